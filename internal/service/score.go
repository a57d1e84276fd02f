package service

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	minScore = 0
	maxScore = 100
)

// ParseScore validates a score exactly as declared by the reviewer.
// Only base-10 integers in [0,100] are accepted; nothing is clamped.
func ParseScore(raw string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidScore)
	}

	score, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidScore, value)
	}

	if score < minScore || score > maxScore {
		return 0, fmt.Errorf("%w: %d outside %d..%d", ErrInvalidScore, score, minScore, maxScore)
	}

	return score, nil
}

func meanScore(scores []int) int {
	if len(scores) == 0 {
		return 0
	}

	total := 0
	for _, score := range scores {
		total += score
	}
	return int(math.Round(float64(total) / float64(len(scores))))
}
