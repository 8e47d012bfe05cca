package moderation

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultRules())
	if err != nil {
		t.Fatalf("New(DefaultRules()) error = %v", err)
	}
	return e
}

func TestClassify_Scenarios(t *testing.T) {
	e := defaultEngine(t)

	tests := []struct {
		name     string
		input    string
		approved bool
		rule     RuleKind
		term     string
		reason   string
	}{
		{"offensive term", "você é um idiota", false, RuleTerm, "idiota", `offensive content detected: "idiota"`},
		{"threat pattern", "vou te matar", false, RulePattern, "", PatternReason},
		{"clean greeting", "Bom dia a todos!", true, RuleNone, "", ""},
		{"threat phrase", "eu vou te dar uma surra", false, RulePhrase, "vou te dar uma surra", `threat detected: "vou te dar uma surra"`},
		{"uppercase term", "  SEU MERDA  ", false, RuleTerm, "merda", `offensive content detected: "merda"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Classify(tt.input)
			if v.Approved != tt.approved {
				t.Fatalf("Classify(%q).Approved = %v, want %v", tt.input, v.Approved, tt.approved)
			}
			if v.Rule != tt.rule {
				t.Errorf("Classify(%q).Rule = %q, want %q", tt.input, v.Rule, tt.rule)
			}
			if v.Term != tt.term {
				t.Errorf("Classify(%q).Term = %q, want %q", tt.input, v.Term, tt.term)
			}
			if v.Reason != tt.reason {
				t.Errorf("Classify(%q).Reason = %q, want %q", tt.input, v.Reason, tt.reason)
			}
		})
	}
}

func TestClassify_BlankApproved(t *testing.T) {
	e := defaultEngine(t)
	for _, in := range []string{"", " ", "\t\n", "   \r\n  "} {
		v := e.Classify(in)
		if !v.Approved || v.Reason != "" {
			t.Errorf("Classify(%q) = %+v, want approved with empty reason", in, v)
		}
	}
}

// Every configured term is found as a raw substring regardless of case or
// surrounding characters.
func TestClassify_TermSubstringProperty(t *testing.T) {
	e := defaultEngine(t)

	for _, term := range e.Rules().Terms {
		for _, in := range []string{
			term,
			"xx" + term + "yy",
			"abc " + strings.ToUpper(term) + "!",
		} {
			v := e.Classify(in)
			if v.Approved || v.Rule != RuleTerm {
				t.Fatalf("Classify(%q) = %+v, want term rejection", in, v)
			}
			if !strings.Contains(strings.ToLower(in), v.Term) {
				t.Errorf("Classify(%q).Term = %q, not contained in input", in, v.Term)
			}
			if !strings.Contains(v.Reason, v.Term) {
				t.Errorf("Classify(%q).Reason = %q, does not name %q", in, v.Reason, v.Term)
			}
		}
	}
}

func TestClassify_SingleTermNamedInReason(t *testing.T) {
	e := MustNew(Rules{Terms: []string{"badword"}})

	for _, in := range []string{"badword", "mybadwording", "BaDwOrD!", "hello, badword"} {
		v := e.Classify(in)
		if v.Approved || v.Term != "badword" {
			t.Errorf("Classify(%q) = %+v, want rejection naming badword", in, v)
		}
	}
}

func TestClassify_PatternReasonIsGeneric(t *testing.T) {
	e := defaultEngine(t)

	inputs := []string{
		"vou te matar",
		"Vou   você   agredir",
		"eu te mato",
		"quero te morto",
		"irei destruir você",
		"vou te arrebentar",
	}
	for _, in := range inputs {
		v := e.Classify(in)
		if v.Approved || v.Rule != RulePattern {
			t.Fatalf("Classify(%q) = %+v, want pattern rejection", in, v)
		}
		if v.Reason != PatternReason {
			t.Errorf("Classify(%q).Reason = %q, want %q", in, v.Reason, PatternReason)
		}
		if strings.Contains(v.Reason, strings.ToLower(in)) {
			t.Errorf("Classify(%q).Reason echoes the input", in)
		}
		if v.Term != "" {
			t.Errorf("Classify(%q).Term = %q, want empty", in, v.Term)
		}
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	e := MustNew(Rules{
		Terms:    []string{"bar", "foo"},
		Phrases:  []string{"foo baz"},
		Patterns: []string{`q+x`, `qq`},
	})

	tests := []struct {
		name  string
		input string
		rule  RuleKind
		term  string
	}{
		{"lowest list index reported", "foo then bar", RuleTerm, "bar"},
		{"terms before phrases", "foo baz", RuleTerm, "foo"},
		{"phrases before patterns", "xfoo baz qqx", RuleTerm, "foo"},
		{"pattern only", "qqx", RulePattern, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Classify(tt.input)
			if v.Rule != tt.rule || v.Term != tt.term {
				t.Errorf("Classify(%q) = %+v, want rule %q term %q", tt.input, v, tt.rule, tt.term)
			}
		})
	}
}

func TestClassify_PhraseBeforePattern(t *testing.T) {
	e := MustNew(Rules{
		Phrases:  []string{"go away"},
		Patterns: []string{`go\s+away`},
	})
	v := e.Classify("please GO AWAY")
	if v.Rule != RulePhrase || v.Term != "go away" {
		t.Errorf("Classify = %+v, want phrase rejection", v)
	}
}

// Raw substring matching is kept as observed: innocent words that embed a
// banned term are rejected.
func TestClassify_SubstringFalsePositive(t *testing.T) {
	e := defaultEngine(t)
	v := e.Classify("meu computador quebrou")
	if v.Approved || v.Term != "puta" {
		t.Errorf("Classify = %+v, want rejection on embedded %q", v, "puta")
	}
}

func TestNew_NormalizesLists(t *testing.T) {
	e, err := New(Rules{
		Terms:    []string{" Foo ", "foo", "", "BAR"},
		Phrases:  []string{"  ", "Go Away"},
		Patterns: []string{`a+`, `a+`, " "},
	})
	if err != nil {
		t.Fatalf("New error = %v", err)
	}

	got := e.Rules()
	if strings.Join(got.Terms, ",") != "foo,bar" {
		t.Errorf("Terms = %v, want [foo bar]", got.Terms)
	}
	if strings.Join(got.Phrases, ",") != "go away" {
		t.Errorf("Phrases = %v, want [go away]", got.Phrases)
	}
	if len(got.Patterns) != 1 {
		t.Errorf("Patterns = %v, want one entry", got.Patterns)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	if _, err := New(Rules{Patterns: []string{`(unclosed`}}); err == nil {
		t.Fatal("New with invalid pattern returned nil error")
	}
}

func TestNew_EmptyRulesApproveEverything(t *testing.T) {
	e := MustNew(Rules{})
	if v := e.Classify("vou te matar, idiota"); !v.Approved {
		t.Errorf("Classify with empty rules = %+v, want approved", v)
	}
}

func TestClassify_Concurrent(t *testing.T) {
	e := defaultEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if v := e.Classify("você é um idiota"); v.Term != "idiota" {
					t.Errorf("concurrent Classify = %+v", v)
					return
				}
				if v := e.Classify("Bom dia a todos!"); !v.Approved {
					t.Errorf("concurrent Classify = %+v", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "terms:\n  - banana\nphrases: []\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules error = %v", err)
	}
	if len(rules.Terms) != 1 || rules.Terms[0] != "banana" {
		t.Errorf("Terms = %v, want [banana]", rules.Terms)
	}
	if len(rules.Phrases) != 0 {
		t.Errorf("Phrases = %v, want empty", rules.Phrases)
	}
	if len(rules.Patterns) != len(DefaultRules().Patterns) {
		t.Errorf("Patterns = %d entries, want defaults", len(rules.Patterns))
	}

	e := MustNew(rules)
	if v := e.Classify("BANANAS"); v.Term != "banana" {
		t.Errorf("Classify = %+v, want banana rejection", v)
	}
}

func TestLoadRules_Errors(t *testing.T) {
	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadRules on missing file returned nil error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("terms: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Error("LoadRules on malformed yaml returned nil error")
	}
}

func TestLoadEngine(t *testing.T) {
	e, err := LoadEngine("")
	if err != nil {
		t.Fatalf("LoadEngine(\"\") error = %v", err)
	}
	if v := e.Classify("vai tomar no cu"); v.Approved {
		t.Error("default engine approved an offensive term")
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("patterns:\n  - \"(unclosed\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEngine(path); err == nil {
		t.Error("LoadEngine with an invalid pattern returned nil error")
	}
}
