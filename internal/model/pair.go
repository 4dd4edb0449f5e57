package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPair is returned for pair keys that do not name exactly two instruments.
var ErrInvalidPair = errors.New("invalid pair key")

// PairDelimiter separates the two legs of a pair key, e.g. "btcusdt/ethusdt".
const PairDelimiter = "/"

// SplitPair splits a pair key into its two instruments. The canonical form
// uses "/"; a key without "/" and with exactly one "_" is accepted as the
// legacy form ("btcusdt_ethusdt").
func SplitPair(key string) (string, string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	var parts []string
	switch {
	case strings.Contains(key, PairDelimiter):
		parts = strings.Split(key, PairDelimiter)
	case strings.Count(key, "_") == 1:
		parts = strings.Split(key, "_")
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPair, key)
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPair, key)
	}
	return parts[0], parts[1], nil
}

// PairKey builds the canonical key for two instruments.
func PairKey(a, b string) string {
	return strings.ToLower(a) + PairDelimiter + strings.ToLower(b)
}
