package executor

import (
	"os"
	"path/filepath"
	"testing"
)

func compileDefaults(t *testing.T) *Classifier {
	t.Helper()
	c, err := DefaultRules().Compile()
	if err != nil {
		t.Fatalf("compile defaults: %v", err)
	}
	return c
}

func TestRiskClassification(t *testing.T) {
	c := compileDefaults(t)
	cases := []struct {
		text     string
		category string
	}{
		{"Delete the old backups", "destructive"},
		{"Send email to the whole team", "communication"},
		{"Publish the blog post", "publishing"},
		{"Reset the counters", "overwrite"},
		{"Update the production config", "external"},
		{"Process the payment", "financial"},
	}
	for _, tc := range cases {
		match, risky := c.ClassifyRisk(tc.text)
		if !risky {
			t.Errorf("%q not flagged", tc.text)
			continue
		}
		if match.Category != tc.category {
			t.Errorf("%q flagged %s, want %s", tc.text, match.Category, tc.category)
		}
	}
}

func TestRiskCaseInsensitiveAndWordBounded(t *testing.T) {
	c := compileDefaults(t)
	if _, risky := c.ClassifyRisk("DELETE EVERYTHING"); !risky {
		t.Error("uppercase not matched")
	}
	// "undeleted" contains "delete" but not on a word boundary
	if match, risky := c.ClassifyRisk("Review the undeleted records"); risky {
		t.Errorf("substring matched: %+v", match)
	}
}

func TestMultiWordPhraseTolerantWhitespace(t *testing.T) {
	c := compileDefaults(t)
	if _, risky := c.ClassifyRisk("send  email with the summary"); !risky {
		t.Error("double-space phrase not matched")
	}
}

func TestSafeStepsNotFlagged(t *testing.T) {
	c := compileDefaults(t)
	for _, text := range []string{
		"Review the quarterly numbers",
		"Log the outcome",
		"Check the calendar",
	} {
		if match, risky := c.ClassifyRisk(text); risky {
			t.Errorf("%q flagged %s", text, match.Category)
		}
	}
}

func TestIntentRoutingOrder(t *testing.T) {
	c := compileDefaults(t)
	cases := []struct {
		text string
		want string
	}{
		{"Review the draft", IntentReview},
		{"Log the result", IntentLog},
		{"Archive the old thread", IntentArchive},
		{"Deliver the newsletter", IntentSend},
		{"Do something unclassifiable", IntentDefault},
		// review phrases win over later rules when both match
		{"Check and record the total", IntentReview},
	}
	for _, tc := range cases {
		if got := c.RouteIntent(tc.text); got != tc.want {
			t.Errorf("RouteIntent(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
risk:
  custom: [frobnicate]
intents:
  - name: review
    phrases: [peruse]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	rs, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	c, err := rs.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if match, risky := c.ClassifyRisk("frobnicate the widget"); !risky || match.Category != "custom" {
		t.Errorf("custom category: %+v %v", match, risky)
	}
	if _, risky := c.ClassifyRisk("delete everything"); risky {
		t.Error("built-in categories leaked into a custom table")
	}
	if got := c.RouteIntent("peruse the report"); got != IntentReview {
		t.Errorf("intent = %s", got)
	}
}

func TestLoadRulesEmptyPathDefaults(t *testing.T) {
	rs, err := LoadRules("")
	if err != nil {
		t.Fatal(err)
	}
	if len(rs.Risk) == 0 || len(rs.Intents) == 0 {
		t.Error("empty path did not return defaults")
	}
}
