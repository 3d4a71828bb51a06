// Package quorum guards irreversible decisions behind a panel of
// independently written deciders. Data deletion is the one operation
// this system cannot take back, so no single predicate is trusted
// with it: every decider must agree, and any disagreement means a
// bug somewhere, at which point continuing would be reckless.
package quorum

import (
	"reflect"
	"time"

	"github.com/pkg/errors"

	"github.com/wtsi-hgi/vault/core"
)

// MinimumDeciders is the smallest panel allowed to reach a verdict
const MinimumDeciders = 3

// Sentinel errors for panel assembly and verdicts
var (
	ErrTooFewDeciders    = errors.New("not enough deciders for a quorum")
	ErrDuplicateDeciders = errors.New("deciders must be distinct implementations")
	ErrNoConsensus       = errors.New("deciders disagree")
)

// Decision is a predicate over a file's age against a threshold
type Decision func(threshold, age time.Duration) bool

// Gate is a quorum of deciders
type Gate struct {
	deciders []Decision
}

// NewGate assembles a gate from at least MinimumDeciders distinct
// decider implementations. The same function supplied twice would
// silently weaken the quorum, so duplicates are rejected.
func NewGate(deciders ...Decision) (*Gate, error) {
	if len(deciders) < MinimumDeciders {
		return nil, errors.Wrapf(ErrTooFewDeciders,
			"%d supplied, %d required", len(deciders), MinimumDeciders)
	}

	seen := make(map[uintptr]bool, len(deciders))
	for _, d := range deciders {
		fn := reflect.ValueOf(d).Pointer()
		if seen[fn] {
			return nil, ErrDuplicateDeciders
		}
		seen[fn] = true
	}

	return &Gate{deciders: deciders}, nil
}

// Decide puts the question to every decider. It returns true only on
// a unanimous yes; a unanimous no returns false. Any disagreement, or
// a decider panicking, returns ErrNoConsensus, which callers must
// treat as fatal.
func (g *Gate) Decide(threshold, age time.Duration) (bool, error) {
	votes := make([]bool, len(g.deciders))
	for i, d := range g.deciders {
		vote, err := cast(d, threshold, age)
		if err != nil {
			return false, err
		}
		votes[i] = vote
	}

	for _, vote := range votes[1:] {
		if vote != votes[0] {
			core.Errorf(nil, "decider disagreement for threshold=%v age=%v: %v",
				threshold, age, votes)
			return false, errors.Wrapf(ErrNoConsensus,
				"threshold=%v age=%v votes=%v", threshold, age, votes)
		}
	}
	return votes[0], nil
}

// cast invokes one decider, converting a panic into a failed vote
// rather than taking the whole verdict down with it
func cast(d Decision, threshold, age time.Duration) (vote bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrNoConsensus, "decider panicked: %v", r)
		}
	}()
	return d(threshold, age), nil
}
