package merge

import "math"

// Candidate names a contiguous half-open window [Start, End) of the
// candidate segment list selected for merging.
type Candidate struct {
	Start, End int
}

// PolicyParams are the tiered merge policy's tuning knobs, shared by
// the memory and file merge workers.
type PolicyParams struct {
	MinSegmentSize   int
	MaxSegmentSize   int
	SegmentsPerLevel int
	SegmentsPerMerge int
	MaxSegments      int
}

// SelectMerge scores every eligible contiguous window of sizes
// (length 2..SegmentsPerMerge) and returns the lowest-scoring one, or
// ok=false if the list is within budget or has no eligible window. A
// list longer than MaxSegments (when positive) counts as over budget.
//
// Budget: max_level = min(max_segment_size, max(total/2, floor)),
// min_level = max(max_level/1000, floor), allowed levels =
// max(1, log2(max_level/min_level)) scaled by segments_per_level.
//
// Score of a window starting at position p with length n:
// sum_of_sizes(window) - level_size(p), where level_size approximates
// the size a segment at that list position "should" have under a
// geometric tiering — windows whose combined size is smallest
// relative to what belongs at that position score lowest and are
// picked; ties prefer the earlier (older) start.
func SelectMerge(sizes []int, skip []bool, p PolicyParams) (Candidate, bool) {
	n := len(sizes)
	if n == 0 {
		return Candidate{}, false
	}

	const floor = 1
	total := 0
	for _, s := range sizes {
		total += s
	}

	maxLevel := p.MaxSegmentSize
	if total/2 < maxLevel {
		maxLevel = total / 2
	}
	if maxLevel < floor {
		maxLevel = floor
	}

	minLevel := maxLevel / 1000
	if minLevel < floor {
		minLevel = floor
	}

	allowedLevels := math.Log2(float64(maxLevel) / float64(minLevel))
	if allowedLevels < 1 {
		allowedLevels = 1
	}
	allowed := int(allowedLevels * float64(p.SegmentsPerLevel))
	if allowed < 1 {
		allowed = 1
	}

	if n <= allowed && (p.MaxSegments <= 0 || n <= p.MaxSegments) {
		return Candidate{}, false
	}

	best := Candidate{}
	bestScore := math.Inf(1)
	found := false

	maxWindow := p.SegmentsPerMerge
	if maxWindow > n {
		maxWindow = n
	}

	for start := 0; start < n; start++ {
		sum := 0
		for length := 1; length <= maxWindow && start+length <= n; length++ {
			idx := start + length - 1
			if skip[idx] || sizes[idx] >= p.MaxSegmentSize {
				break // a window can't span an ineligible segment
			}
			sum += sizes[idx]
			if length < 2 {
				continue // spec scores windows of length 2..segments_per_merge
			}

			score := float64(sum) - levelSize(start, minLevel, maxLevel, p.SegmentsPerLevel)
			if score < bestScore {
				bestScore = score
				best = Candidate{Start: start, End: start + length}
				found = true
			}
		}
	}

	return best, found
}

// levelSize approximates the "ideal" segment size for list position p
// under geometric tiering from minLevel to maxLevel in
// segmentsPerLevel-sized steps: earlier positions (older, larger
// segments under an LSM's usual oldest-largest ordering) sit at
// higher levels.
func levelSize(p, minLevel, maxLevel, segmentsPerLevel int) float64 {
	if segmentsPerLevel <= 0 {
		segmentsPerLevel = 1
	}
	level := p / segmentsPerLevel
	size := float64(minLevel) * math.Pow(2, float64(level))
	if size > float64(maxLevel) {
		size = float64(maxLevel)
	}
	return size
}
