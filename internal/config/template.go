package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth/internal/canonical"
)

// ErrUndefinedVariable is wrapped into the error text/template's
// "missingkey=error" option already produces; exported so callers can
// errors.Is against a stable sentinel regardless of the underlying
// template engine's own error wording.
var ErrUndefinedVariable = errors.New("config: template references an undefined variable")

// RenderedPrompt is the audit record a template-rendering transform attaches
// to its NodeState (spec §6): every hash needed to prove what was rendered
// without re-running the template, plus where the template/lookup data came
// from when loaded from a file.
type RenderedPrompt struct {
	Prompt        string  `json:"prompt"`
	TemplateHash  string  `json:"template_hash"`
	VariablesHash string  `json:"variables_hash"`
	RenderedHash  string  `json:"rendered_hash"`
	TemplateSource *string `json:"template_source,omitempty"`
	LookupHash    *string `json:"lookup_hash,omitempty"`
	LookupSource  *string `json:"lookup_source,omitempty"`
}

// Template is a loaded prompt template ready to render against a row and an
// optional lookup table. It is built once per row_plugin at config-load
// time (spec §6's "resolved at config load") and reused for every row.
type Template struct {
	raw          string
	source       *string
	lookup       map[string]any
	lookupHash   *string
	lookupSource *string
	parsed       *template.Template
}

// LoadTemplate resolves one row_plugin's template configuration: raw text
// from rp.Template, or from the file named by rp.TemplateFile, plus an
// optional lookup table from rp.LookupFile. At most one of Template/
// TemplateFile may be set (Settings.Validate rejects both). When neither
// yields any template text, no template is configured for this plugin and
// LoadTemplate returns (nil, nil).
func LoadTemplate(rp RowPluginConfig) (*Template, error) {
	raw := rp.Template
	var source *string

	if rp.TemplateFile != "" {
		data, err := os.ReadFile(rp.TemplateFile) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("config: read template_file %s: %w", rp.TemplateFile, err)
		}
		raw = string(data)
		path := rp.TemplateFile
		source = &path
	}
	if raw == "" {
		return nil, nil
	}

	parsed, err := template.New("prompt").
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse template: %w", err)
	}

	t := &Template{raw: raw, source: source, parsed: parsed}

	if rp.LookupFile != "" {
		data, err := os.ReadFile(rp.LookupFile) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("config: read lookup_file %s: %w", rp.LookupFile, err)
		}
		var lookup map[string]any
		if err := yaml.Unmarshal(data, &lookup); err != nil {
			return nil, fmt.Errorf("config: parse lookup_file %s: %w", rp.LookupFile, err)
		}
		hash := canonical.HashBytes(data)
		path := rp.LookupFile
		t.lookup = lookup
		t.lookupHash = &hash
		t.lookupSource = &path
	}

	return t, nil
}

// Render executes the template against row (available as `.row`) and the
// loaded lookup table (available as `.lookup`), returning both the rendered
// text and the RenderedPrompt audit record. Undefined variables and sandbox
// violations surface as an error (via missingkey=error), never a silently
// blanked field, so the caller can turn this into a retryable
// TransformResult error per spec §6.
func (t *Template) Render(row map[string]any) (string, RenderedPrompt, error) {
	vars := map[string]any{"row": row, "lookup": t.lookup}

	var buf bytes.Buffer
	if err := t.parsed.Execute(&buf, vars); err != nil {
		return "", RenderedPrompt{}, fmt.Errorf("%w: %w", ErrUndefinedVariable, err)
	}
	rendered := buf.String()

	templateHash := canonical.HashBytes([]byte(t.raw))
	variablesHash, _, err := canonical.Hash(vars)
	if err != nil {
		return "", RenderedPrompt{}, fmt.Errorf("config: hash template variables: %w", err)
	}
	renderedHash := canonical.HashBytes([]byte(rendered))

	return rendered, RenderedPrompt{
		Prompt:         rendered,
		TemplateHash:   templateHash,
		VariablesHash:  variablesHash,
		RenderedHash:   renderedHash,
		TemplateSource: t.source,
		LookupHash:     t.lookupHash,
		LookupSource:   t.lookupSource,
	}, nil
}
