package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/epokhe/fpindex"
	"github.com/epokhe/fpindex/pkg/logger"
	"github.com/epokhe/fpindex/pkg/options"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  fpindex -path <data-dir> insert <id> <hash,hash,...>\n")
	fmt.Fprintf(os.Stderr, "  fpindex -path <data-dir> delete <id>\n")
	fmt.Fprintf(os.Stderr, "  fpindex -path <data-dir> search <hash,hash,...>\n")
	fmt.Fprintf(os.Stderr, "  fpindex -path <data-dir> stat\n")
	os.Exit(1)
}

func main() {
	var (
		dbPath = flag.String("path", "", "path to index directory")
		create = flag.Bool("create", false, "create the index if it doesn't exist")
	)
	flag.Parse()

	if *dbPath == "" || flag.NArg() < 1 {
		usage()
	}

	idx, err := fpindex.Open(*dbPath,
		options.WithCreate(*create),
		options.WithLogger(logger.New("fpindex")),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open index: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	args := flag.Args()
	switch args[0] {
	case "insert":
		if len(args) != 3 {
			usage()
		}
		id, err := parseID(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad id: %v\n", err)
			os.Exit(1)
		}
		hashes, err := parseHashes(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad hashes: %v\n", err)
			os.Exit(1)
		}
		if err := idx.Update([]fpindex.Change{fpindex.NewInsert(id, hashes)}); err != nil {
			fmt.Fprintf(os.Stderr, "insert failed: %v\n", err)
			os.Exit(1)
		}

	case "delete":
		if len(args) != 2 {
			usage()
		}
		id, err := parseID(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad id: %v\n", err)
			os.Exit(1)
		}
		if err := idx.Update([]fpindex.Change{fpindex.NewDelete(id)}); err != nil {
			fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
			os.Exit(1)
		}

	case "search":
		if len(args) != 2 {
			usage()
		}
		hashes, err := parseHashes(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad hashes: %v\n", err)
			os.Exit(1)
		}
		results, err := idx.Search(hashes, time.Now().Add(5*time.Second))
		if err != nil {
			fmt.Fprintf(os.Stderr, "search failed: %v\n", err)
			os.Exit(1)
		}
		for _, r := range results {
			fmt.Printf("id=%d score=%d version=%d\n", r.ID, r.Score, r.Version)
		}

	case "stat":
		for k, v := range idx.GetAttributes() {
			fmt.Printf("%s=%d\n", k, v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", args[0])
		usage()
	}
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

func parseHashes(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	out := make([]uint32, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = uint32(n)
	}
	return out, nil
}
