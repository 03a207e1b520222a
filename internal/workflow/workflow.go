package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/agentworkforce/receiptflow/internal/extraction"
)

var ErrInvalidWorkflow = errors.New("invalid workflow")

// Workflow maps a trigger tag to an extraction schema and a tagging policy.
type Workflow struct {
	Name         string            `yaml:"name" json:"name"`
	Enabled      *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority     int               `yaml:"priority" json:"priority"`
	TriggerTag   string            `yaml:"trigger_tag" json:"triggerTag"`
	ProcessedTag string            `yaml:"processed_tag,omitempty" json:"processedTag,omitempty"`
	FailedTag    string            `yaml:"failed_tag,omitempty" json:"failedTag,omitempty"`
	SkippedTag   string            `yaml:"skipped_tag,omitempty" json:"skippedTag,omitempty"`
	SkipField    string            `yaml:"skip_field,omitempty" json:"skipField,omitempty"`
	Prompt       string            `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Schema       extraction.Schema `yaml:"schema" json:"schema"`
	Output       OutputMapping     `yaml:"output" json:"output"`
}

func (w Workflow) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Validate checks the workflow without talking to any service.
func (w Workflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if strings.TrimSpace(w.TriggerTag) == "" {
		return fmt.Errorf("%w: %s: trigger_tag is required", ErrInvalidWorkflow, w.Name)
	}
	for _, tag := range []string{w.ProcessedTag, w.FailedTag, w.SkippedTag} {
		if tag != "" && strings.EqualFold(tag, w.TriggerTag) {
			return fmt.Errorf("%w: %s: result tags must differ from the trigger tag", ErrInvalidWorkflow, w.Name)
		}
	}
	if _, err := w.Schema.Compile(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidWorkflow, w.Name, err)
	}
	if w.SkipField != "" {
		f, ok := w.Schema.Field(w.SkipField)
		if !ok || f.Type != extraction.TypeBoolean {
			return fmt.Errorf("%w: %s: skip_field %q must name a boolean field", ErrInvalidWorkflow, w.Name, w.SkipField)
		}
	}
	if err := w.Output.check(w.Schema); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidWorkflow, w.Name, err)
	}
	return nil
}

// ExcludedTags are the tags that mark a document as already handled.
func (w Workflow) ExcludedTags() []string {
	out := []string{}
	for _, tag := range []string{w.ProcessedTag, w.FailedTag, w.SkippedTag} {
		if strings.TrimSpace(tag) != "" {
			out = append(out, tag)
		}
	}
	return out
}

// Sort orders workflows by priority, highest first, then by name.
func Sort(workflows []Workflow) {
	sort.SliceStable(workflows, func(i, j int) bool {
		if workflows[i].Priority != workflows[j].Priority {
			return workflows[i].Priority > workflows[j].Priority
		}
		return workflows[i].Name < workflows[j].Name
	})
}

// Match returns the first workflow, in the given order, whose trigger tag is
// on the document. Tag comparison ignores case.
func Match(workflows []Workflow, tagNames []string) (Workflow, bool) {
	tags := map[string]struct{}{}
	for _, name := range tagNames {
		tags[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	for _, w := range workflows {
		if !w.IsEnabled() {
			continue
		}
		if _, ok := tags[strings.ToLower(strings.TrimSpace(w.TriggerTag))]; ok {
			return w, true
		}
	}
	return Workflow{}, false
}

// OutputMapping names which extracted fields feed which document metadata.
type OutputMapping struct {
	Title         string   `yaml:"title,omitempty" json:"title,omitempty"`
	Date          string   `yaml:"date,omitempty" json:"date,omitempty"`
	Correspondent string   `yaml:"correspondent,omitempty" json:"correspondent,omitempty"`
	Tags          []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Vendor        string   `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	Amount        string   `yaml:"amount,omitempty" json:"amount,omitempty"`
	Currency      string   `yaml:"currency,omitempty" json:"currency,omitempty"`
}

// Mapped is the metadata derived from one extraction result.
type Mapped struct {
	Title         string
	Date          string
	Correspondent string
	Tags          []string
	Vendor        string
	Amount        *float64
	Currency      string
}

func (m OutputMapping) check(schema extraction.Schema) error {
	if m.Title != "" {
		if _, err := template.New("title").Option("missingkey=zero").Parse(m.Title); err != nil {
			return fmt.Errorf("title template: %w", err)
		}
	}
	fields := []string{m.Date, m.Correspondent, m.Vendor, m.Amount, m.Currency}
	fields = append(fields, m.Tags...)
	for _, name := range fields {
		if name == "" {
			continue
		}
		if _, ok := schema.Field(name); !ok {
			return fmt.Errorf("output refers to undeclared field %q", name)
		}
	}
	return nil
}

// Apply derives document metadata from extracted data. Missing or null fields
// leave the corresponding metadata empty.
func (m OutputMapping) Apply(data map[string]any) (Mapped, error) {
	out := Mapped{
		Date:          normalizeDate(stringField(data, m.Date)),
		Correspondent: stringField(data, m.Correspondent),
		Vendor:        stringField(data, m.Vendor),
		Currency:      strings.ToUpper(stringField(data, m.Currency)),
	}
	if m.Amount != "" {
		if v, ok := numberField(data, m.Amount); ok {
			out.Amount = &v
		}
	}
	for _, name := range m.Tags {
		out.Tags = append(out.Tags, listField(data, name)...)
	}
	if m.Title != "" {
		tmpl, err := template.New("title").Option("missingkey=zero").Parse(m.Title)
		if err != nil {
			return Mapped{}, err
		}
		var b bytes.Buffer
		if err := tmpl.Execute(&b, templateData(data)); err != nil {
			return Mapped{}, fmt.Errorf("render title: %w", err)
		}
		// map[string]any renders absent keys as "<no value>" even with missingkey=zero.
		rendered := strings.ReplaceAll(b.String(), "<no value>", "")
		out.Title = strings.Join(strings.Fields(rendered), " ")
	}
	return out, nil
}

func templateData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = v
	}
	return out
}

func stringField(data map[string]any, name string) string {
	if name == "" {
		return ""
	}
	switch v := data[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func numberField(data map[string]any, name string) (float64, bool) {
	switch v := data[name].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(v, ",", ".")), 64)
		return f, err == nil
	}
	return 0, false
}

func listField(data map[string]any, name string) []string {
	switch v := data[name].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []any:
		out := []string{}
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func normalizeDate(value string) string {
	if len(value) < 10 {
		return ""
	}
	if _, err := time.Parse("2006-01-02", value[:10]); err != nil {
		return ""
	}
	return value[:10]
}
