// Package oplog implements a write-ahead operation log: an
// append-only sequence of JSON-lines files, each commit bracketed by
// a begin/apply.../commit record group, replayed on Open to recover
// any commits not yet covered by a checkpoint.
package oplog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	gojson "github.com/goccy/go-json"

	fperrors "github.com/epokhe/fpindex/pkg/errors"

	"github.com/epokhe/fpindex/internal/segment"
)

const (
	fileNameDigits = 20
	fileNameExt    = ".xlog"
)

// Record is one JSON-lines entry. Exactly one of Begin, Apply, Commit
// is meaningful per record, matching its begin/apply.../commit group
// position.
type Record struct {
	ID     uint64        `json:"id"`
	Begin  *BeginBody    `json:"begin,omitempty"`
	Apply  *segment.Change `json:"apply,omitempty"`
	Commit bool          `json:"commit,omitempty"`
}

// BeginBody announces the size of the apply-record run that follows.
type BeginBody struct {
	Size int `json:"size"`
}

// Updater is the three-phase callback contract the oplog drives a
// commit through: prepare builds and stages a memory segment under
// the update lock, commit publishes it, cancel tears down a failed
// attempt.
type Updater interface {
	PrepareUpdate(changes []segment.Change) (pending any, err error)
	CommitUpdate(pending any, commitID uint64) error
	CancelUpdate(pending any)
}

// Oplog owns the append-only xlog file sequence under dir.
type Oplog struct {
	dir         string
	maxFileSize int64

	mu        sync.Mutex
	cur       *os.File
	curID     uint64 // first commit id in the current file
	curSize   int64
	lastCommitID uint64
}

// Open opens (creating dir if needed) the oplog directory, replaying
// any commits with id > recoveredUpTo through updater, and returns an
// Oplog ready to accept new writes. recoveredUpTo is the checkpointed
// watermark the caller has already incorporated (0 if none).
func Open(dir string, recoveredUpTo uint64, updater Updater) (*Oplog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fperrors.ClassifySyscallError(err, "create oplog dir", dir)
	}

	files, err := listXlogFiles(dir)
	if err != nil {
		return nil, err
	}

	o := &Oplog{dir: dir, maxFileSize: 64 << 20, lastCommitID: recoveredUpTo}

	for _, name := range files {
		if err := o.replayFile(filepath.Join(dir, name), updater); err != nil {
			return nil, err
		}
	}

	if err := o.openOrCreateActiveFile(files); err != nil {
		return nil, err
	}

	return o, nil
}

// LastCommitID returns the highest commit id durably recorded.
func (o *Oplog) LastCommitID() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCommitID
}

// Write allocates the next commit id, stages it via
// updater.PrepareUpdate, appends+fsyncs its record group, then
// publishes via updater.CommitUpdate. On any failure it calls
// updater.CancelUpdate and truncates the partial bytes back off the
// file so a concurrent reopen never sees a torn commit.
func (o *Oplog) Write(changes []segment.Change, updater Updater) (commitID uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending, err := updater.PrepareUpdate(changes)
	if err != nil {
		return 0, err
	}

	startOffset := o.curSize
	commitID = o.lastCommitID + 1

	if werr := o.appendGroup(commitID, changes); werr != nil {
		updater.CancelUpdate(pending)
		if terr := o.rewindAfterFailure(startOffset); terr != nil {
			return 0, terr
		}
		return 0, werr
	}

	if cerr := updater.CommitUpdate(pending, commitID); cerr != nil {
		updater.CancelUpdate(pending)
		if terr := o.rewindAfterFailure(startOffset); terr != nil {
			return 0, terr
		}
		return 0, cerr
	}

	o.lastCommitID = commitID

	if o.curSize >= o.maxFileSize {
		if err := o.rotate(); err != nil {
			return commitID, err
		}
	}

	return commitID, nil
}

// rewindAfterFailure truncates the active file back to startOffset and
// seeks the descriptor there too: appendGroup writes through a
// bufio.Writer whose underlying os.File.Write calls already advanced
// the fd's cursor past startOffset, and Truncate only changes the
// file's length, not that cursor. Without the seek, the next Write
// would resume at the stale cursor, leaving a zero-filled gap that
// replayFile can't parse and so breaks on, silently dropping every
// commit written after it.
func (o *Oplog) rewindAfterFailure(startOffset int64) error {
	if _, err := o.cur.Seek(startOffset, io.SeekStart); err != nil {
		return fperrors.New(fperrors.IOError, "seek oplog file after failed write", err)
	}
	if err := o.cur.Truncate(startOffset); err != nil {
		return fperrors.New(fperrors.IOError, "truncate partial oplog record group", err)
	}
	o.curSize = startOffset
	return nil
}

// appendGroup writes and fsyncs one begin/apply.../commit record
// group for commitID.
func (o *Oplog) appendGroup(commitID uint64, changes []segment.Change) error {
	w := bufio.NewWriter(o.cur)

	write := func(rec Record) error {
		b, err := gojson.Marshal(rec)
		if err != nil {
			return fperrors.New(fperrors.IOError, "marshal oplog record", err)
		}
		b = append(b, '\n')
		n, err := w.Write(b)
		if err != nil {
			return fperrors.ClassifySyscallError(err, "write oplog record", o.cur.Name())
		}
		o.curSize += int64(n)
		return nil
	}

	if err := write(Record{ID: commitID, Begin: &BeginBody{Size: len(changes)}}); err != nil {
		return err
	}
	for i := range changes {
		c := changes[i]
		if err := write(Record{ID: commitID, Apply: &c}); err != nil {
			return err
		}
	}
	if err := write(Record{ID: commitID, Commit: true}); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return fperrors.ClassifySyscallError(err, "flush oplog writer", o.cur.Name())
	}
	if err := o.cur.Sync(); err != nil {
		return fperrors.ClassifySyscallError(err, "fsync oplog file", o.cur.Name())
	}

	return nil
}

// Truncate deletes every xlog file whose highest commit id is <=
// commitID, except the currently open file, called after a
// checkpoint advances the durable watermark.
func (o *Oplog) Truncate(commitID uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	files, err := listXlogFiles(o.dir)
	if err != nil {
		return err
	}

	for i, name := range files {
		id, ok := parseFileName(name)
		if !ok {
			continue
		}
		if id == o.curID || i+1 >= len(files) {
			continue // never remove the active file
		}
		// a file's highest commit id is one below the next file's first
		nextID, ok := parseFileName(files[i+1])
		if !ok {
			continue
		}
		if nextID-1 <= commitID {
			path := filepath.Join(o.dir, name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fperrors.ClassifySyscallError(err, "remove truncated oplog file", path)
			}
		}
	}

	return nil
}

// Close flushes and closes the active file.
func (o *Oplog) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return nil
	}
	if err := o.cur.Sync(); err != nil {
		return fperrors.ClassifySyscallError(err, "sync oplog on close", o.cur.Name())
	}
	return o.cur.Close()
}

func (o *Oplog) rotate() error {
	if err := o.cur.Close(); err != nil {
		return fperrors.ClassifySyscallError(err, "close rotated oplog file", o.cur.Name())
	}
	return o.openNewFile(o.lastCommitID + 1)
}

func (o *Oplog) openOrCreateActiveFile(existing []string) error {
	if len(existing) == 0 {
		return o.openNewFile(o.lastCommitID + 1)
	}

	last := existing[len(existing)-1]
	id, ok := parseFileName(last)
	if !ok {
		return fperrors.New(fperrors.Corruption, fmt.Sprintf("malformed oplog filename %q", last), nil)
	}

	path := filepath.Join(o.dir, last)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "reopen active oplog file", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fperrors.ClassifySyscallError(err, "stat active oplog file", path)
	}

	o.cur = f
	o.curID = id
	o.curSize = info.Size()
	return nil
}

func (o *Oplog) openNewFile(firstCommitID uint64) error {
	name := formatFileName(firstCommitID)
	path := filepath.Join(o.dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "create oplog file", path)
	}

	o.cur = f
	o.curID = firstCommitID
	o.curSize = 0
	return nil
}

// replayFile replays every complete begin/apply.../commit group in
// path whose id exceeds the watermark already recovered, discarding
// an incomplete trailing group.
func (o *Oplog) replayFile(path string, updater Updater) error {
	f, err := os.Open(path)
	if err != nil {
		return fperrors.ClassifySyscallError(err, "open oplog file for replay", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pendingChanges []segment.Change
	var pendingID uint64
	inGroup := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var rec Record
		if err := gojson.Unmarshal(line, &rec); err != nil {
			// a malformed trailing line is treated as an incomplete
			// group from a crash mid-write, not a hard failure.
			break
		}

		switch {
		case rec.Begin != nil:
			inGroup = true
			pendingID = rec.ID
			pendingChanges = pendingChanges[:0]
		case rec.Apply != nil:
			if inGroup && rec.ID == pendingID {
				pendingChanges = append(pendingChanges, *rec.Apply)
			}
		case rec.Commit:
			if inGroup && rec.ID == pendingID {
				if pendingID > o.lastCommitID {
					if err := applyRecovered(updater, pendingChanges, pendingID); err != nil {
						return err
					}
					o.lastCommitID = pendingID
				}
			}
			inGroup = false
		}
	}

	if err := scanner.Err(); err != nil {
		return fperrors.New(fperrors.Corruption, fmt.Sprintf("scan oplog file %s", path), err)
	}

	return nil
}

func applyRecovered(updater Updater, changes []segment.Change, commitID uint64) error {
	pending, err := updater.PrepareUpdate(changes)
	if err != nil {
		return err
	}
	if err := updater.CommitUpdate(pending, commitID); err != nil {
		updater.CancelUpdate(pending)
		return err
	}
	return nil
}

func listXlogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fperrors.ClassifySyscallError(err, "list oplog dir", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), fileNameExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func formatFileName(commitID uint64) string {
	return fmt.Sprintf("%0*d%s", fileNameDigits, commitID, fileNameExt)
}

func parseFileName(name string) (uint64, bool) {
	base := strings.TrimSuffix(name, fileNameExt)
	if len(base) != fileNameDigits {
		return 0, false
	}
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
