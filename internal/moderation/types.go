package moderation

// RuleKind names the rule family that rejected a text.
type RuleKind string

const (
	RuleNone    RuleKind = ""
	RuleTerm    RuleKind = "term"
	RulePhrase  RuleKind = "phrase"
	RulePattern RuleKind = "pattern"
)

// Verdict is the outcome of classifying one text. Reason is empty when the
// text is approved. Term holds the literal block-list match for term and
// phrase rejections and is always empty for pattern rejections.
type Verdict struct {
	Approved bool     `json:"approved"`
	Reason   string   `json:"reason,omitempty"`
	Rule     RuleKind `json:"rule,omitempty"`
	Term     string   `json:"term,omitempty"`
}

// Rules is the data an Engine is built from. Order inside each list is
// significant: when several entries match, the earliest one is reported.
type Rules struct {
	Terms    []string `yaml:"terms" json:"terms"`
	Phrases  []string `yaml:"phrases" json:"phrases"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}
