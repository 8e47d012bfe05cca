// Package moderation screens chat text against block lists of offensive
// terms and threat phrases and an ordered list of threat patterns before a
// message is stored or delivered.
package moderation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// PatternReason is reported for every pattern rejection. It never names the
// pattern or repeats the input.
const PatternReason = "inappropriate content detected"

// Engine classifies text. It is immutable after New and safe for concurrent use.
type Engine struct {
	rules    Rules
	terms    *matcher
	phrases  *matcher
	patterns []*regexp.Regexp
}

// New builds an Engine from rules. Terms and phrases are lower-cased and
// trimmed, blanks are dropped and duplicates collapse onto their first
// occurrence. An invalid pattern is the only construction error.
func New(rules Rules) (*Engine, error) {
	clean := Rules{
		Terms:    normalizeList(rules.Terms),
		Phrases:  normalizeList(rules.Phrases),
		Patterns: lo.Uniq(lo.Filter(rules.Patterns, func(p string, _ int) bool { return strings.TrimSpace(p) != "" })),
	}

	terms, err := newMatcher(clean.Terms)
	if err != nil {
		return nil, fmt.Errorf("moderation: build terms: %w", err)
	}
	phrases, err := newMatcher(clean.Phrases)
	if err != nil {
		return nil, fmt.Errorf("moderation: build phrases: %w", err)
	}

	patterns := make([]*regexp.Regexp, 0, len(clean.Patterns))
	for _, p := range clean.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("moderation: compile pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Engine{rules: clean, terms: terms, phrases: phrases, patterns: patterns}, nil
}

// MustNew is New that panics on error, for rule sets known to be valid.
func MustNew(rules Rules) *Engine {
	e, err := New(rules)
	if err != nil {
		panic(err)
	}
	return e
}

// Rules returns a copy of the normalized rule set the engine was built with.
func (e *Engine) Rules() Rules {
	return Rules{
		Terms:    slices.Clone(e.rules.Terms),
		Phrases:  slices.Clone(e.rules.Phrases),
		Patterns: slices.Clone(e.rules.Patterns),
	}
}

// Classify returns the verdict for text. Checks run in a fixed order and the
// first match wins: offensive terms, threat phrases, threat patterns. Blank
// text is approved.
func (e *Engine) Classify(text string) Verdict {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Verdict{Approved: true}
	}

	runes := []rune(normalized)

	if term, ok := e.terms.first(runes); ok {
		return Verdict{
			Reason: fmt.Sprintf("offensive content detected: %q", term),
			Rule:   RuleTerm,
			Term:   term,
		}
	}

	if phrase, ok := e.phrases.first(runes); ok {
		return Verdict{
			Reason: fmt.Sprintf("threat detected: %q", phrase),
			Rule:   RulePhrase,
			Term:   phrase,
		}
	}

	for _, re := range e.patterns {
		if re.MatchString(normalized) {
			return Verdict{Reason: PatternReason, Rule: RulePattern}
		}
	}

	return Verdict{Approved: true}
}

// matcher finds block-list entries as raw substrings. The automaton reports
// every hit; the entry with the lowest list index wins so the result matches
// a sequential scan of the list.
type matcher struct {
	machine *goahocorasick.Machine
	index   map[string]int
	words   []string
}

func newMatcher(words []string) (*matcher, error) {
	m := &matcher{index: make(map[string]int, len(words)), words: words}
	if len(words) == 0 {
		return m, nil
	}

	keys := make([][]rune, 0, len(words))
	for i, w := range words {
		m.index[w] = i
		keys = append(keys, []rune(w))
	}
	// The double-array trie under the automaton expects sorted keys.
	slices.SortFunc(keys, func(a, b []rune) int { return slices.Compare(a, b) })

	m.machine = new(goahocorasick.Machine)
	if err := m.machine.Build(keys); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *matcher) first(text []rune) (string, bool) {
	if m.machine == nil {
		return "", false
	}

	best := -1
	for _, hit := range m.machine.MultiPatternSearch(text, false) {
		i, ok := m.index[string(hit.Word)]
		if ok && (best == -1 || i < best) {
			best = i
		}
	}
	if best == -1 {
		return "", false
	}
	return m.words[best], true
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return lo.Uniq(out)
}
