package retrieval

import (
	"strings"
	"sync"
	"unicode"

	"github.com/coregx/ahocorasick"
)

// KeywordIndex is a dual-purpose Aho-Corasick dictionary over every token
// ever stored: Add grows the vocabulary, and Extract scans arbitrary query
// text in O(n) to find which known tokens it contains, the same dictionary
// technique used to separate known surface forms from free text.
type KeywordIndex struct {
	mu         sync.RWMutex
	vocabulary map[string]bool
	ac         *ahocorasick.Automaton
	dirty      bool
}

func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{vocabulary: make(map[string]bool)}
}

// Add registers tokens into the vocabulary, marking the automaton stale so
// it rebuilds lazily on the next Extract call.
func (k *KeywordIndex) Add(tokens []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range tokens {
		t = canonicalizeToken(t)
		if t == "" {
			continue
		}
		if !k.vocabulary[t] {
			k.vocabulary[t] = true
			k.dirty = true
		}
	}
}

func canonicalizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func (k *KeywordIndex) rebuildLocked() error {
	if !k.dirty && k.ac != nil {
		return nil
	}
	patterns := make([]string, 0, len(k.vocabulary))
	for t := range k.vocabulary {
		patterns = append(patterns, t)
	}
	if len(patterns) == 0 {
		k.ac = nil
		k.dirty = false
		return nil
	}
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return err
	}
	k.ac = automaton
	k.dirty = false
	return nil
}

// Extract returns every vocabulary token found in text, deduplicated. A
// query word never added via Add (a typo, a brand-new term) is silently
// dropped; callers that want every raw token regardless of vocabulary
// membership should tokenize independently rather than rely on Extract.
func (k *KeywordIndex) Extract(text string) ([]string, error) {
	k.mu.Lock()
	if err := k.rebuildLocked(); err != nil {
		k.mu.Unlock()
		return nil, err
	}
	ac := k.ac
	k.mu.Unlock()

	if ac == nil {
		return nil, nil
	}

	canonical := canonicalizeForScan(text)
	matches := ac.FindAllOverlapping([]byte(canonical))

	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		tok := canonical[m.Start:m.End]
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out, nil
}

func canonicalizeForScan(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
