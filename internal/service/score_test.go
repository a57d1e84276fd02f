package service

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseScoreAcceptsEveryIntegerInRange(t *testing.T) {
	for s := 0; s <= 100; s++ {
		got, err := ParseScore(strconv.Itoa(s))
		require.NoError(t, err)
		require.Equal(t, s, got)
	}

	got, err := ParseScore("  73\n")
	require.NoError(t, err)
	require.Equal(t, 73, got)
}

func TestParseScoreRejectsEverythingElse(t *testing.T) {
	for _, raw := range []string{"-1", "101", "150", "-100", "", " ", "abc", "73.5", "7e1", "73/100", "0x10", "NaN", "99999999999999999999"} {
		_, err := ParseScore(raw)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrInvalidScore), raw)
	}
}

func TestMeanScoreRounds(t *testing.T) {
	require.Equal(t, 0, meanScore(nil))
	require.Equal(t, 73, meanScore([]int{73}))
	require.Equal(t, 76, meanScore([]int{70, 81}))
}
