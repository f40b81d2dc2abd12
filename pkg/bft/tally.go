package bft

import (
	"bytes"

	"github.com/galdor/go-consensus/pkg/consensus"
)

// Tally records the value sent by each sender for one message kind in one
// round. A sender counts once; a conflicting second value is an
// equivocation and is not recorded.
type Tally map[consensus.NodeId][]byte

type TallyResult int

const (
	TallyAdded TallyResult = iota
	TallyDuplicate
	TallyEquivocation
)

func (t Tally) Add(sender consensus.NodeId, value []byte) TallyResult {
	if previous, found := t[sender]; found {
		if bytes.Equal(previous, value) {
			return TallyDuplicate
		}

		return TallyEquivocation
	}

	t[sender] = value
	return TallyAdded
}

func (t Tally) Count(value []byte) int {
	n := 0

	for _, v := range t {
		if bytes.Equal(v, value) {
			n++
		}
	}

	return n
}

// MostFrequent returns the value sent by the largest number of senders.
// Ties are broken in favour of the lexicographically smallest value so that
// all validators looking at the same tally select the same value.
func (t Tally) MostFrequent() ([]byte, int) {
	var best []byte
	bestCount := 0

	for _, v := range t {
		count := t.Count(v)

		if count > bestCount || (count == bestCount && bytes.Compare(v, best) < 0) {
			best = v
			bestCount = count
		}
	}

	return best, bestCount
}

// ValueWithCount returns a value sent by at least threshold senders.
func (t Tally) ValueWithCount(threshold int) ([]byte, bool) {
	value, count := t.MostFrequent()
	if count < threshold || count == 0 {
		return nil, false
	}

	return value, true
}
