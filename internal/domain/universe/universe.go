// Package universe defines U, the fixed set of country codes the model was
// trained over. Sort order is load-bearing: the Aligner and Inference Engine
// both iterate countries in Universe order, and the per-country feature
// matrix's row order must match what the model's adjacency matrix expects.
package universe

import (
	"fmt"
	"sort"

	"github.com/oilsignal/oilsignal/internal/domain"
)

// Universe is an immutable, canonically sorted set of country codes.
type Universe struct {
	codes []domain.CountryCode
	index map[domain.CountryCode]int
}

// New builds a Universe from an unordered list of codes, deduplicating and
// sorting lexicographically.
func New(codes []domain.CountryCode) Universe {
	seen := make(map[domain.CountryCode]struct{}, len(codes))
	unique := make([]domain.CountryCode, 0, len(codes))
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	idx := make(map[domain.CountryCode]int, len(unique))
	for i, c := range unique {
		idx[c] = i
	}
	return Universe{codes: unique, index: idx}
}

// Codes returns the canonically ordered country codes. The returned slice
// must not be mutated by the caller.
func (u Universe) Codes() []domain.CountryCode { return u.codes }

// Len returns the number of countries in the universe.
func (u Universe) Len() int { return len(u.codes) }

// Contains reports whether c is a member of the universe.
func (u Universe) Contains(c domain.CountryCode) bool {
	_, ok := u.index[c]
	return ok
}

// IndexOf returns c's position in canonical order, or -1 if c is not a
// member.
func (u Universe) IndexOf(c domain.CountryCode) int {
	if i, ok := u.index[c]; ok {
		return i
	}
	return -1
}

// Validate returns an error if the universe is empty — every operation that
// iterates U requires at least one member.
func (u Universe) Validate() error {
	if len(u.codes) == 0 {
		return fmt.Errorf("universe: empty country set")
	}
	return nil
}
