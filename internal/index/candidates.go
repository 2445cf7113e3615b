package index

import "slices"

// Candidates computes every upgrade path from the current build to any
// newer build in the index. A path starts from either a full image (newer
// than current, with MinVersion at or below current) or a delta whose base
// is the current build, and extends through deltas whose base matches the
// previous hop. A delta base with several successors forks into one path
// per successor, and every prefix of a chain is a candidate in its own
// right: when a chain's final build is withheld by rollout, the chain
// truncated at an earlier build can still win. Paths are returned
// unranked; Choose ranks them.
func Candidates(idx *Index, current int) [][]Image {
	var deltas []Image
	var roots [][]Image
	for _, im := range idx.Images {
		switch im.Type {
		case Full:
			if im.MinVersion <= current && im.Version > current {
				roots = append(roots, []Image{im})
			}
		case Delta:
			deltas = append(deltas, im)
			if im.Base == current {
				roots = append(roots, []Image{im})
			}
		}
	}

	var paths [][]Image
	for len(roots) > 0 {
		path := roots[len(roots)-1]
		roots = roots[:len(roots)-1]
		for {
			tip := path[len(path)-1]
			var next []Image
			for _, d := range deltas {
				// strictly newer, so a bad index cannot loop the chase
				if d.Base == tip.Version && d.Version > tip.Version {
					next = append(next, d)
				}
			}
			if len(next) == 0 {
				paths = append(paths, path)
				break
			}
			// The chain continues, so record the prefix ending here
			// before chasing further.
			paths = append(paths, slices.Clone(path))
			// A fork: continue with one successor, queue the rest as
			// fresh roots carrying a copy of the path so far.
			for _, fork := range next[1:] {
				roots = append(roots, append(slices.Clone(path), fork))
			}
			path = append(path, next[0])
		}
	}
	return paths
}

// Targets returns the distinct final builds of the candidate paths, highest
// first.
func Targets(paths [][]Image) []int {
	var targets []int
	for _, p := range paths {
		v := p[len(p)-1].Version
		if !slices.Contains(targets, v) {
			targets = append(targets, v)
		}
	}
	slices.Sort(targets)
	slices.Reverse(targets)
	return targets
}
