// Package stats computes the reveal aggregates for a completed round.
package stats

import (
	"math"
	"sort"
)

// outlierRankThreshold is the minimum rank distance from the median rank for
// a voter to be reported as an outlier.
const outlierRankThreshold = 2

// VoterVote is one non-abstaining voter's numeric estimate.
type VoterVote struct {
	Username string
	Value    int
}

// Stats are the aggregates broadcast on reveal.
type Stats struct {
	Average  float64  `json:"average"`
	Median   int      `json:"median"`
	Outliers []string `json:"outliers"`
}

// Compute aggregates the numeric votes against the deck's rank order.
// The median is the deck value at the upper-middle index of the voters'
// sorted ranks, not the raw value midpoint. Votes whose value is not in the
// deck are skipped. Returns nil when no votes qualify.
func Compute(deck []int, votes []VoterVote) *Stats {
	rankOf := make(map[int]int, len(deck))
	for i, v := range deck {
		rankOf[v] = i
	}

	voted := make([]VoterVote, 0, len(votes))
	for _, v := range votes {
		if _, ok := rankOf[v.Value]; ok {
			voted = append(voted, v)
		}
	}
	if len(voted) == 0 {
		return nil
	}

	sum := 0
	ranks := make([]int, 0, len(voted))
	for _, v := range voted {
		sum += v.Value
		ranks = append(ranks, rankOf[v.Value])
	}
	sort.Ints(ranks)
	medianRank := ranks[len(ranks)/2]

	outliers := make([]string, 0)
	for _, v := range voted {
		if abs(rankOf[v.Value]-medianRank) >= outlierRankThreshold {
			outliers = append(outliers, v.Username)
		}
	}

	return &Stats{
		Average:  math.Round(float64(sum)/float64(len(voted))*100) / 100,
		Median:   deck[medianRank],
		Outliers: outliers,
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
