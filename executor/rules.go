package executor

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSet is the data-driven classification table: risk categories mapped to
// trigger phrases, and an ordered list of intent routes. It ships with
// built-in defaults and can be replaced wholesale from a YAML file without
// recompilation.
type RuleSet struct {
	Risk    map[string][]string `yaml:"risk"`
	Intents []IntentRule        `yaml:"intents"`
}

// IntentRule routes a non-risky step to a handler by name. Earlier rules
// win, so the list order is part of the table's contract.
type IntentRule struct {
	Name    string   `yaml:"name"`
	Phrases []string `yaml:"phrases"`
}

// Intent names the built-in handlers. Unknown names from a custom table
// fall through to the default handler rather than stalling execution.
const (
	IntentReview  = "review"
	IntentLog     = "log"
	IntentArchive = "archive"
	IntentSend    = "send"
	IntentDefault = "default"
)

// DefaultRules returns the built-in classification table.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Risk: map[string][]string{
			"destructive": {
				"delete", "remove", "drop", "destroy", "wipe", "truncate",
			},
			"communication": {
				"send email", "email to", "notify", "message",
			},
			"publishing": {
				"post", "publish", "deploy", "release", "push",
				"linkedin", "twitter", "social media",
			},
			"overwrite": {
				"overwrite", "reset", "clear",
			},
			"external": {
				"production", "live server", "external",
			},
			"financial": {
				"payment", "charge", "billing", "invoice send",
			},
		},
		Intents: []IntentRule{
			{Name: IntentReview, Phrases: []string{
				"read", "review", "open", "examine", "analyze",
				"check", "verify", "confirm", "inspect",
			}},
			{Name: IntentLog, Phrases: []string{
				"log", "record", "note", "document", "track", "write",
			}},
			{Name: IntentArchive, Phrases: []string{
				"archive", "complete", "finish", "close", "done",
				"mark complete", "move to done",
			}},
			{Name: IntentSend, Phrases: []string{
				"send", "publish", "post", "deliver",
			}},
		},
	}
}

// LoadRules reads a rule table from a YAML file. An empty path returns the
// defaults.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(rs.Risk) == 0 {
		rs.Risk = DefaultRules().Risk
	}
	if len(rs.Intents) == 0 {
		rs.Intents = DefaultRules().Intents
	}
	return &rs, nil
}

// RiskMatch identifies which category and phrase flagged a step.
type RiskMatch struct {
	Category string
	Phrase   string
}

// Classifier is a compiled RuleSet. Classification is pure: the same text
// always yields the same result.
type Classifier struct {
	risk    []riskPattern
	intents []intentPattern
}

type riskPattern struct {
	category string
	phrase   string
	re       *regexp.Regexp
}

type intentPattern struct {
	name string
	re   *regexp.Regexp
}

// Compile turns a RuleSet into a Classifier. Risk categories are compiled in
// sorted order so match reporting is deterministic.
func (rs *RuleSet) Compile() (*Classifier, error) {
	c := &Classifier{}
	categories := make([]string, 0, len(rs.Risk))
	for cat := range rs.Risk {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		for _, phrase := range rs.Risk[cat] {
			re, err := compilePhrase(phrase)
			if err != nil {
				return nil, fmt.Errorf("risk category %s phrase %q: %w", cat, phrase, err)
			}
			c.risk = append(c.risk, riskPattern{category: cat, phrase: phrase, re: re})
		}
	}
	for _, rule := range rs.Intents {
		if len(rule.Phrases) == 0 {
			continue
		}
		alts := make([]string, 0, len(rule.Phrases))
		for _, p := range rule.Phrases {
			alts = append(alts, phraseExpr(p))
		}
		re, err := regexp.Compile(`(?i)\b(` + strings.Join(alts, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("intent %s: %w", rule.Name, err)
		}
		c.intents = append(c.intents, intentPattern{name: rule.Name, re: re})
	}
	return c, nil
}

// ClassifyRisk reports whether the step text matches any risk category.
func (c *Classifier) ClassifyRisk(text string) (RiskMatch, bool) {
	for _, p := range c.risk {
		if p.re.MatchString(text) {
			return RiskMatch{Category: p.category, Phrase: p.phrase}, true
		}
	}
	return RiskMatch{}, false
}

// RouteIntent returns the first matching intent name, or IntentDefault.
// Execution never stalls on unrecognized step text.
func (c *Classifier) RouteIntent(text string) string {
	for _, p := range c.intents {
		if p.re.MatchString(text) {
			return p.name
		}
	}
	return IntentDefault
}

func compilePhrase(phrase string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?i)\b` + phraseExpr(phrase) + `\b`)
}

// phraseExpr escapes a phrase and lets any whitespace separate its words, so
// "send email" matches "send  email" too.
func phraseExpr(phrase string) string {
	words := strings.Fields(phrase)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `\s+`)
}
