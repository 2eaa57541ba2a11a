// Package vault implements the file-system task store: named stage
// directories holding markdown task documents with a front-matter block and
// a checkbox step list. Moving a document between stages is the only way a
// task changes stage; the front-matter status field is an informational
// mirror of its physical location.
package vault

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Status is the lifecycle state mirrored into a document's front-matter.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
	StatusErrorExhausted   Status = "error_exhausted"
)

// TimeFormat is the human-readable timestamp written into front-matter.
const TimeFormat = "2006-01-02 15:04:05 UTC"

// Step is one checkbox item in a document's ## Steps section. Text is
// immutable; Done transitions false to true exactly once.
type Step struct {
	Text string
	Done bool

	prefix string // leading "- " indentation, preserved on rewrite
	raw    string // the full original checkbox line
}

// Document is a task document: a name (its identity within a stage) and the
// raw markdown content. Mutations edit Content textually so human-authored
// body text survives round trips.
type Document struct {
	Name    string
	Content string
}

var (
	stepsSectionRe = regexp.MustCompile(`(?is)##\s+Steps?\s*\n(.*?)(\n##\s|\z)`)
	checkboxRe     = regexp.MustCompile(`(?m)^(\s*-\s*)\[([ xX])\]\s*(.+)$`)
	titleRe        = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// Field reads a single front-matter field. Returns "" when the field or the
// front-matter block is absent.
func (d *Document) Field(key string) string {
	body, ok := frontMatterLines(d.Content)
	if !ok {
		return ""
	}
	prefix := key + ":"
	for _, line := range body {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return ""
}

// Status returns the front-matter status mirror.
func (d *Document) Status() Status { return Status(d.Field("status")) }

// Kind returns the front-matter type tag.
func (d *Document) Kind() string { return d.Field("type") }

// Priority returns the front-matter priority, defaulting to "medium".
func (d *Document) Priority() string {
	if p := d.Field("priority"); p != "" {
		return p
	}
	return "medium"
}

// CreatedAt parses the front-matter created_at timestamp. The zero time is
// returned when the field is absent or malformed.
func (d *Document) CreatedAt() time.Time {
	t, err := time.Parse(TimeFormat, d.Field("created_at"))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Title returns the first markdown heading, or the document name.
func (d *Document) Title() string {
	if m := titleRe.FindStringSubmatch(d.Content); m != nil {
		return strings.TrimSpace(m[1])
	}
	// Fall back to a filename-derived name
	name := strings.TrimSuffix(d.Name, ".md")
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return cases.Title(language.English).String(name)
}

// SetField updates or appends a front-matter field in place. Documents with
// no front-matter block get a minimal one prepended.
func (d *Document) SetField(key, value string) {
	d.SetFields([][2]string{{key, value}})
}

// SetFields applies several front-matter updates in one pass, preserving
// the order of existing fields and appending new ones at the end.
func (d *Document) SetFields(fields [][2]string) {
	lines := strings.Split(d.Content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		var b strings.Builder
		b.WriteString("---\n")
		for _, kv := range fields {
			fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
		}
		b.WriteString("---\n\n")
		d.Content = b.String() + d.Content
		return
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return // malformed front-matter, leave untouched
	}
	// Copy the block: appending through a subslice of lines would
	// clobber the closing fence at lines[end].
	body := append([]string(nil), lines[1:end]...)
	for _, kv := range fields {
		prefix := kv[0] + ":"
		updated := false
		for i, line := range body {
			if strings.HasPrefix(strings.TrimSpace(line), prefix) {
				body[i] = fmt.Sprintf("%s: %s", kv[0], kv[1])
				updated = true
				break
			}
		}
		if !updated {
			body = append(body, fmt.Sprintf("%s: %s", kv[0], kv[1]))
		}
	}
	rebuilt := append([]string{"---"}, body...)
	rebuilt = append(rebuilt, lines[end:]...)
	d.Content = strings.Join(rebuilt, "\n")
}

// Steps parses the checkbox items under the ## Steps heading. When the
// document has no Steps section the whole body is scanned, matching how
// loosely humans structure these files.
func (d *Document) Steps() []Step {
	block := d.Content
	if m := stepsSectionRe.FindStringSubmatch(d.Content); m != nil {
		block = m[1]
	}
	var steps []Step
	for _, m := range checkboxRe.FindAllStringSubmatch(block, -1) {
		steps = append(steps, Step{
			Text:   strings.TrimSpace(m[3]),
			Done:   strings.EqualFold(strings.TrimSpace(m[2]), "x"),
			prefix: m[1],
			raw:    m[0],
		})
	}
	return steps
}

// StepsDone counts checked steps.
func (d *Document) StepsDone() int {
	n := 0
	for _, s := range d.Steps() {
		if s.Done {
			n++
		}
	}
	return n
}

// MarkStepDone checks off the step at index and appends a result note as an
// indented quote line, mirroring how a human annotates the checklist.
func (d *Document) MarkStepDone(index int, note string, at time.Time) error {
	steps := d.Steps()
	if index < 0 || index >= len(steps) {
		return fmt.Errorf("vault: step index %d out of range (have %d)", index, len(steps))
	}
	step := steps[index]
	if step.Done {
		return nil
	}
	replacement := fmt.Sprintf("%s[x] %s", step.prefix, step.Text)
	if note != "" {
		replacement += fmt.Sprintf("\n  > %s: %s", at.UTC().Format(TimeFormat), note)
	}
	d.Content = strings.Replace(d.Content, step.raw, replacement, 1)
	return nil
}

// AppendNote appends a bullet to the end of the document body.
func (d *Document) AppendNote(line string) {
	if !strings.HasSuffix(d.Content, "\n") {
		d.Content += "\n"
	}
	d.Content += "- " + line + "\n"
}

func frontMatterLines(content string) ([]string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return nil, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return lines[1:i], true
		}
	}
	return nil, false
}
