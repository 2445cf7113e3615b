// Package rollout decides whether this device is inside the phased-rollout
// window for a given target build.
//
// Every (machine, channel, target) tuple maps to a stable percentage in
// [0,100). An update is rolled out by raising the channel threshold from 0
// to 100; a device becomes eligible the moment its bucket falls below the
// threshold, and stays eligible on every subsequent check.
package rollout

import (
	"context"
	"fmt"
)

// Decision is the outcome of a gate check. It is derived, never stored;
// recomputing from the same inputs always reproduces it.
type Decision struct {
	Percentage int
	Threshold  int
	Eligible   bool
}

// Percentage returns the stable rollout bucket for the tuple. Deterministic:
// identical inputs always produce the identical value.
func Percentage(machineID, channel string, target int) int {
	return bucket(fmt.Sprintf("%s.%d.%s", channel, target, machineID))
}

// ThresholdSource supplies the rollout threshold. The bool reports whether
// the source had a value; callers fall back to the configured default when
// it does not.
type ThresholdSource interface {
	Threshold(ctx context.Context) (int, bool, error)
}

// Gate evaluates rollout eligibility against a configured threshold, with
// an optional fleet-managed override source consulted per check.
type Gate struct {
	// MachineID is the device identity, read once at construction.
	MachineID string

	// Default is the threshold used when no override source is set or the
	// source has no value. 100 means fully rolled out.
	Default int

	// Override, when non-nil, supplies a fleet-managed threshold.
	Override ThresholdSource
}

// Decide computes the device's bucket for the target build and compares it
// against the effective threshold. Override source errors are not fatal to
// the check cycle; the configured default applies instead.
func (g *Gate) Decide(ctx context.Context, channel string, target int) Decision {
	threshold := g.Default
	if g.Override != nil {
		if t, ok, err := g.Override.Threshold(ctx); err == nil && ok {
			threshold = t
		}
	}
	if threshold < 0 {
		threshold = 0
	} else if threshold > 100 {
		threshold = 100
	}

	pct := Percentage(g.MachineID, channel, target)
	return Decision{
		Percentage: pct,
		Threshold:  threshold,
		Eligible:   pct < threshold,
	}
}
