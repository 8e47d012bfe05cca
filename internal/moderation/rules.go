package moderation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRules returns the built-in rule set. Threat phrases that a default
// pattern already covers are left out of the phrase list so those texts are
// rejected with the generic pattern reason.
func DefaultRules() Rules {
	return Rules{
		Terms: []string{
			"caralho", "porra", "merda", "foda", "puta", "viado", "buceta",
			"cu", "pau", "cacete", "corno", "otario", "idiota", "imbecil",
			"burro", "vai se foder", "vai tomar no cu", "vai pra puta que pariu",
			"seu merda", "sua puta", "sua vagabunda", "filho da puta", "fdp",
			"arrombado", "bosta", "cretino", "desgraça", "escroto", "lixo",
			"mongol", "retardado", "estupido", "palerma", "panaca", "troxa",
			"jumento",
		},
		Phrases: []string{
			"te quebro", "vou te dar uma surra", "vou acabar com sua vida",
			"suicídio", "me matar", "me mato", "vou me matar", "morre", "morra",
			"te exterminar", "te destruir", "te arrebento",
		},
		Patterns: []string{
			`vou\s+(te|você)\s+(matar|bater|espancar|agredir)`,
			`(te|você)\s+(mato|bato|acabo)`,
			`quero\s+(te|você)\s+morto`,
			`(vou|irei)\s+(acabar\s+com|destruir)\s+(vc|você|te)`,
			`(morra|morre)\s+(vc|você|te)`,
			`(quero|espero)\s+que\s+(vc|você|te)\s+(morra|morre)`,
			`vou\s+te\s+(foder|arrebentar)`,
		},
	}
}

// LoadRules reads a YAML rule file with terms, phrases and patterns keys.
// A key missing from the file falls back to the default list for that key;
// a key present but empty disables that family.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("moderation: read rules: %w", err)
	}

	var raw struct {
		Terms    *[]string `yaml:"terms"`
		Phrases  *[]string `yaml:"phrases"`
		Patterns *[]string `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Rules{}, fmt.Errorf("moderation: parse rules: %w", err)
	}

	rules := DefaultRules()
	if raw.Terms != nil {
		rules.Terms = *raw.Terms
	}
	if raw.Phrases != nil {
		rules.Phrases = *raw.Phrases
	}
	if raw.Patterns != nil {
		rules.Patterns = *raw.Patterns
	}
	return rules, nil
}

// LoadEngine builds an Engine from the rule file at path, or from
// DefaultRules when path is empty.
func LoadEngine(path string) (*Engine, error) {
	rules := DefaultRules()
	if path != "" {
		var err error
		if rules, err = LoadRules(path); err != nil {
			return nil, err
		}
	}
	return New(rules)
}
