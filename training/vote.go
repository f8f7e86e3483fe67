package training

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownVote is returned for voting policies other than majority and prob_sum.
var ErrUnknownVote = errors.New("unknown voting policy")

// Vote turns the slice predictions of one example into one class.
type Vote string

const (
	// VoteMajority picks the class predicted for the most slices.
	VoteMajority Vote = "majority"
	// VoteProbSum picks the class with the largest summed probability.
	VoteProbSum Vote = "prob_sum"
)

// ParseVote resolves a policy name, ignoring case.
func ParseVote(name string) (Vote, error) {
	switch v := Vote(strings.ToLower(strings.TrimSpace(name))); v {
	case VoteMajority, VoteProbSum:
		return v, nil
	default:
		return "", errors.Wrapf(ErrUnknownVote, "%q", name)
	}
}

// Decide returns the voted class for the probability vectors of one
// example's slices, or -1 when there are none. Ties go to the lowest class
// index.
func (v Vote) Decide(probs [][]float32) int {
	if len(probs) == 0 {
		return -1
	}
	scores := make([]float64, len(probs[0]))
	for _, p := range probs {
		switch v {
		case VoteProbSum:
			for c, q := range p {
				scores[c] += float64(q)
			}
		default:
			scores[argmax32(p)]++
		}
	}
	best := 0
	for c := 1; c < len(scores); c++ {
		if scores[c] > scores[best] {
			best = c
		}
	}
	return best
}

// argmax32 returns the first index of the largest value.
func argmax32(p []float32) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}
