package definition

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const inputRefPrefix = "$input."

// Render expands the presentation templates against the instance input.
func (d Definition) Render(input map[string]any) (name, description string, err error) {
	data := map[string]any{
		"Input": input,
		"Ref":   d.Ref,
	}
	name, err = renderTemplate("name", d.Presentation.Name, data)
	if err != nil {
		return "", "", err
	}
	description, err = renderTemplate("description", d.Presentation.Description, data)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(name) == "" {
		name = d.Ref.Name
	}
	return name, description, nil
}

func renderTemplate(name, text string, data any) (string, error) {
	if text == "" {
		return "", nil
	}
	tpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}

// DeriveOutput builds the default output payload. Sources of the form
// $input.<field> copy an input value; anything else is used verbatim.
func (d Definition) DeriveOutput(input map[string]any) map[string]any {
	out := make(map[string]any, len(d.DefaultOutput))
	for key, source := range d.DefaultOutput {
		if field, ok := strings.CutPrefix(source, inputRefPrefix); ok {
			if v, exists := input[field]; exists {
				out[key] = v
			}
			continue
		}
		out[key] = source
	}
	return out
}

// LookupInput resolves a $input.<field> or $initiator reference. Values that
// are not references are returned unchanged.
func LookupInput(ref string, input map[string]any, initiator string) (string, bool) {
	switch {
	case ref == "$initiator":
		return initiator, initiator != ""
	case strings.HasPrefix(ref, inputRefPrefix):
		v, ok := input[strings.TrimPrefix(ref, inputRefPrefix)]
		if !ok || v == nil {
			return "", false
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		return s, s != ""
	default:
		return ref, true
	}
}
