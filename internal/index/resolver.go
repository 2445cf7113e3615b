package index

import (
	"context"

	"github.com/keithlinneman/otaclient/internal/rollout"
)

// Reason explains an empty upgrade path. "No update" is a normal outcome,
// but its two causes are observably different: nothing newer is published,
// versus something newer exists and this device is outside its rollout
// window.
type Reason string

const (
	// ReasonUpgrade means Path holds the chosen upgrade.
	ReasonUpgrade Reason = "upgrade"

	// ReasonUpToDate means no published build is newer than the current
	// build (or none is reachable from it).
	ReasonUpToDate Reason = "up-to-date"

	// ReasonGatedByRollout means a newer build exists but every reachable
	// target is still being phased in.
	ReasonGatedByRollout Reason = "gated-by-rollout"
)

// Outcome is the result of a resolution. Path is nil unless Reason is
// ReasonUpgrade.
type Outcome struct {
	Reason Reason
	Path   []Image

	// Target and Size describe the chosen path. For a gated outcome,
	// Target reports the newest build this device is being held back
	// from, for operator visibility.
	Target int
	Size   int64

	// Descriptions holds each hop's locale→text map, in hop order. Maps
	// are kept per hop, never merged.
	Descriptions []map[string]string

	// Rollout is the gate decision for Target.
	Rollout rollout.Decision
}

// Resolver computes upgrade paths subject to phased-rollout gating.
type Resolver struct {
	Gate   *rollout.Gate
	Scorer *WeightedScorer
}

// Resolve picks the cheapest path from current to the newest eligible
// build. Targets outside the rollout window are excluded and the search
// falls back to the next-highest eligible target's candidates.
func (r *Resolver) Resolve(ctx context.Context, idx *Index, channel string, current int) Outcome {
	paths := Candidates(idx, current)
	if len(paths) == 0 {
		return Outcome{Reason: ReasonUpToDate}
	}

	targets := Targets(paths)
	decisions := make(map[int]rollout.Decision, len(targets))
	eligible := paths[:0:0]
	for _, path := range paths {
		target := path[len(path)-1].Version
		d, ok := decisions[target]
		if !ok {
			d = r.Gate.Decide(ctx, channel, target)
			decisions[target] = d
		}
		if d.Eligible {
			eligible = append(eligible, path)
		}
	}
	if len(eligible) == 0 {
		newest := targets[0]
		return Outcome{
			Reason:  ReasonGatedByRollout,
			Target:  newest,
			Rollout: decisions[newest],
		}
	}

	scorer := r.Scorer
	if scorer == nil {
		scorer = &WeightedScorer{}
	}
	winner := scorer.Choose(eligible)

	out := Outcome{
		Reason: ReasonUpgrade,
		Path:   winner,
		Target: winner[len(winner)-1].Version,
	}
	for _, im := range winner {
		out.Size += im.Size()
		out.Descriptions = append(out.Descriptions, im.Descriptions)
	}
	out.Rollout = decisions[out.Target]
	return out
}
