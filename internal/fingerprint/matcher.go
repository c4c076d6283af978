// Package fingerprint classifies deployed bytecode by the function
// selectors it contains.
package fingerprint

import (
	"sort"
	"strings"

	"github.com/basewatch/indexer/internal/database"
)

// Core ERC20 selectors used by the fallback rule: name(), symbol(),
// balanceOf(address), transfer(address,uint256).
var fallbackSelectors = []string{"06fdde03", "95d89b41", "70a08231", "a9059cbb"}

const (
	// fraction of a fingerprint's selectors that must be present
	matchThreshold = 0.75
	// minimum fallback selector hits for a generic ERC20 match
	fallbackMinHits = 3

	FallbackID = "erc20_fallback"
)

// Match is a successful classification of a contract's bytecode
type Match struct {
	FingerprintID string
	Confidence    int
}

// Platform maps a fingerprint to the launch platform it identifies.
func (m *Match) Platform() string {
	if id, _, found := strings.Cut(m.FingerprintID, "_"); found && id != "erc20" {
		return id
	}
	return "unknown"
}

// Matcher checks bytecode against a set of known fingerprints
type Matcher struct {
	fingerprints []database.Fingerprint
}

// NewMatcher returns a matcher over the given fingerprints. Inactive
// entries are dropped and the rest ordered by confidence descending so
// the strongest candidate wins.
func NewMatcher(fingerprints []database.Fingerprint) *Matcher {
	active := make([]database.Fingerprint, 0, len(fingerprints))
	for _, f := range fingerprints {
		if f.IsActive {
			active = append(active, f)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Confidence > active[j].Confidence
	})
	return &Matcher{fingerprints: active}
}

// Match classifies bytecode. A fingerprint matches when at least 75% of
// its selectors appear in the code. The generic ERC20 fallback only
// applies when no fingerprints are loaded at all: with fingerprints
// present, bytecode that matches none of them stays unclassified.
// Returns nil for no match.
func (m *Matcher) Match(bytecode string) *Match {
	code := strings.TrimPrefix(strings.ToLower(bytecode), "0x")
	if code == "" {
		return nil
	}

	for _, f := range m.fingerprints {
		if len(f.Selectors) == 0 {
			continue
		}
		hits := 0
		for _, sel := range f.Selectors {
			if strings.Contains(code, strings.ToLower(strings.TrimPrefix(sel, "0x"))) {
				hits++
			}
		}
		if float64(hits)/float64(len(f.Selectors)) >= matchThreshold {
			return &Match{
				FingerprintID: f.FingerprintID,
				Confidence:    f.Confidence,
			}
		}
	}
	if len(m.fingerprints) > 0 {
		return nil
	}

	hits := 0
	for _, sel := range fallbackSelectors {
		if strings.Contains(code, sel) {
			hits++
		}
	}
	if hits >= fallbackMinHits {
		return &Match{
			FingerprintID: FallbackID,
			Confidence:    hits * 25,
		}
	}

	return nil
}
