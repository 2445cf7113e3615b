package index

const mib = 1 << 20

// Scorer ranks candidate upgrade paths. Lowest score wins.
type Scorer interface {
	Score(paths [][]Image) []int
}

// TieBreak orders paths with equal scores. Each rule returns <0 when a
// beats b, >0 when b beats a, 0 to fall through to the next rule.
type TieBreak func(a, b []Image) int

// FewestHops prefers the path with fewer images to download and verify.
func FewestHops(a, b []Image) int { return len(a) - len(b) }

// FewestDeltas prefers the path with the shortest delta chain; long chains
// break entirely when any intermediate build is withdrawn.
func FewestDeltas(a, b []Image) int { return countDeltas(a) - countDeltas(b) }

func countDeltas(path []Image) int {
	n := 0
	for _, im := range path {
		if im.Type == Delta {
			n++
		}
	}
	return n
}

// WeightedScorer scores a path by three weighted inputs: 100 per image
// flagged bootme (each costs an extra reboot; the final reboot is free
// either way), 1 per MiB of download above the smallest candidate, and
// 9001 per build of distance below the highest candidate target. The
// distance weight dwarfs any plausible size advantage, so a path that
// stops short of the highest build never outranks one that reaches it.
type WeightedScorer struct {
	// TieBreaks run in order over equal-score paths. Nil means the
	// default policy: fewest hops, then fewest deltas.
	TieBreaks []TieBreak
}

func (s *WeightedScorer) Score(paths [][]Image) []int {
	maxBuild := 0
	minSize := int64(-1)
	sizes := make([]int64, len(paths))
	for i, path := range paths {
		var size int64
		for _, im := range path {
			size += im.Size()
		}
		sizes[i] = size
		if build := path[len(path)-1].Version; build > maxBuild {
			maxBuild = build
		}
		if minSize < 0 || size < minSize {
			minSize = size
		}
	}

	scores := make([]int, len(paths))
	for i, path := range paths {
		reboots := 0
		for _, im := range path {
			if im.BootMe {
				reboots++
			}
		}
		scores[i] = 100*reboots +
			int((sizes[i]-minSize)/mib) +
			9001*(maxBuild-path[len(path)-1].Version)
	}
	return scores
}

// Choose picks the winning path: lowest score, ties resolved by the
// scorer's tie-break rules. Returns nil for an empty candidate set.
func (s *WeightedScorer) Choose(paths [][]Image) []Image {
	if len(paths) == 0 {
		return nil
	}
	tieBreaks := s.TieBreaks
	if tieBreaks == nil {
		tieBreaks = []TieBreak{FewestHops, FewestDeltas}
	}

	scores := s.Score(paths)
	best := 0
	for i := 1; i < len(paths); i++ {
		if scores[i] < scores[best] {
			best = i
			continue
		}
		if scores[i] > scores[best] {
			continue
		}
		for _, tb := range tieBreaks {
			if d := tb(paths[i], paths[best]); d != 0 {
				if d < 0 {
					best = i
				}
				break
			}
		}
	}
	return paths[best]
}
