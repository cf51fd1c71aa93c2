package account

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
)

// Strategy names an account ordering policy.
type Strategy string

// Selection strategies.
const (
	LeastLoaded   Strategy = "least_loaded"
	LowestLatency Strategy = "lowest_latency"
	RoundRobin    Strategy = "round_robin"
	Random        Strategy = "random"
)

// ParseStrategy validates s; empty selects LeastLoaded.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return LeastLoaded, nil
	case LeastLoaded, LowestLatency, RoundRobin, Random:
		return st, nil
	default:
		return "", fmt.Errorf("unknown selection strategy %q", s)
	}
}

// Candidate is an eligible account with its load at listing time.
type Candidate struct {
	Account   Account
	InFlight  int
	Capacity  int
	LatencyMs int64
}

// Free returns the remaining slots.
func (c Candidate) Free() int {
	return c.Capacity - c.InFlight
}

// Selector orders candidates under a strategy. The zero value is not usable;
// call NewSelector.
type Selector struct {
	next atomic.Uint64
	intn func(n int) int
}

// NewSelector returns a selector using math/rand for the random strategy.
func NewSelector() *Selector {
	return &Selector{intn: rand.IntN}
}

// Order returns candidates most-preferred first. Accounts in avoid are moved to
// the back rather than dropped so a job can still run when nothing else is free.
func (s *Selector) Order(candidates []Candidate, strategy Strategy, avoid []string) []Candidate {
	var preferred, avoided []Candidate
	for _, c := range candidates {
		if slices.Contains(avoid, c.Account.ID) {
			avoided = append(avoided, c)
		} else {
			preferred = append(preferred, c)
		}
	}
	return append(s.order(preferred, strategy), s.order(avoided, strategy)...)
}

// Select returns the most-preferred candidate.
func (s *Selector) Select(candidates []Candidate, strategy Strategy, avoid []string) (Candidate, bool) {
	ordered := s.Order(candidates, strategy, avoid)
	if len(ordered) == 0 {
		return Candidate{}, false
	}
	return ordered[0], true
}

func (s *Selector) order(cands []Candidate, strategy Strategy) []Candidate {
	if len(cands) < 2 {
		return cands
	}
	switch strategy {
	case LowestLatency:
		slices.SortStableFunc(cands, func(a, b Candidate) int {
			if a.LatencyMs != b.LatencyMs {
				return cmpInt64(a.LatencyMs, b.LatencyMs)
			}
			if a.InFlight != b.InFlight {
				return a.InFlight - b.InFlight
			}
			return strings.Compare(a.Account.ID, b.Account.ID)
		})
	case RoundRobin:
		slices.SortStableFunc(cands, byID)
		cands = rotate(cands, int(s.next.Add(1)-1)%len(cands))
	case Random:
		for i := len(cands) - 1; i > 0; i-- {
			j := s.intn(i + 1)
			cands[i], cands[j] = cands[j], cands[i]
		}
	default:
		slices.SortStableFunc(cands, leastLoaded)
		// Rotate within the leading group of indistinguishable accounts.
		tie := 1
		for tie < len(cands) && leastLoaded(cands[0], cands[tie]) == 0 {
			tie++
		}
		if tie > 1 {
			head := rotate(slices.Clone(cands[:tie]), int(s.next.Add(1)-1)%tie)
			copy(cands, head)
		}
	}
	return cands
}

func leastLoaded(a, b Candidate) int {
	if a.InFlight != b.InFlight {
		return a.InFlight - b.InFlight
	}
	if pa, pb := a.Account.Tier == TierPro, b.Account.Tier == TierPro; pa != pb {
		if pa {
			return -1
		}
		return 1
	}
	return cmpInt64(a.LatencyMs, b.LatencyMs)
}

func byID(a, b Candidate) int {
	return strings.Compare(a.Account.ID, b.Account.ID)
}

func rotate(cands []Candidate, k int) []Candidate {
	if k == 0 {
		return cands
	}
	out := make([]Candidate, 0, len(cands))
	out = append(out, cands[k:]...)
	return append(out, cands[:k]...)
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
