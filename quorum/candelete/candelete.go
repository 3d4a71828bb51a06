// Package candelete provides the quorum panel answering the only
// question that matters: has this file outlived its threshold? Each
// decider states the same inequality a different way, so a mistake in
// one formulation cannot slip through unanimously.
package candelete

import (
	"time"

	"github.com/wtsi-hgi/vault/quorum"
)

func direct(threshold, age time.Duration) bool {
	return threshold-age <= 0
}

func commuted(threshold, age time.Duration) bool {
	return age-threshold >= 0
}

func negated(threshold, age time.Duration) bool {
	return !(age < threshold)
}

func nanoseconds(threshold, age time.Duration) bool {
	return age.Nanoseconds() >= threshold.Nanoseconds()
}

// Gate assembles the deletion quorum
func Gate() (*quorum.Gate, error) {
	return quorum.NewGate(direct, commuted, negated, nanoseconds)
}
