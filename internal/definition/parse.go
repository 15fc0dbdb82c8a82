package definition

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileSchema struct {
	Closed bool        `yaml:"closed"`
	Fields []fileField `yaml:"fields"`
}

type fileField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

type filePeople struct {
	PotentialOwners        []string `yaml:"potential_owners"`
	ExcludedOwners         []string `yaml:"excluded_owners"`
	BusinessAdministrators []string `yaml:"business_administrators"`
	Stakeholders           []string `yaml:"stakeholders"`
}

type fileDeadline struct {
	ID     string `yaml:"id"`
	Kind   string `yaml:"kind"`
	After  string `yaml:"after"`
	At     string `yaml:"at"`
	Repeat string `yaml:"repeat"`
}

type fileEscalation struct {
	ID       string   `yaml:"id"`
	Deadline string   `yaml:"deadline"`
	Action   string   `yaml:"action"`
	Targets  []string `yaml:"targets"`
}

type fileDefinition struct {
	Kind          string            `yaml:"kind"`
	Namespace     string            `yaml:"namespace"`
	Name          string            `yaml:"name"`
	Version       int               `yaml:"version"`
	Input         fileSchema        `yaml:"input"`
	Output        fileSchema        `yaml:"output"`
	People        filePeople        `yaml:"people"`
	Deadlines     []fileDeadline    `yaml:"deadlines"`
	Escalations   []fileEscalation  `yaml:"escalations"`
	Presentation  Presentation      `yaml:"presentation"`
	DefaultOutput map[string]string `yaml:"default_output"`
}

// Parse decodes a YAML task definition and validates it. Decoding defects
// (bad durations, bad expressions) are reported together with validation
// defects in a single ValidationErrors.
func Parse(data []byte) (Definition, error) {
	var raw fileDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Definition{}, ValidationErrors{{Message: fmt.Sprintf("decode yaml: %v", err)}}
	}

	var errs problems
	def := Definition{
		Kind: Kind(strings.TrimSpace(raw.Kind)),
		Ref: Ref{
			Namespace: strings.TrimSpace(raw.Namespace),
			Name:      strings.TrimSpace(raw.Name),
			Version:   raw.Version,
		},
		Input:  convertSchema(raw.Input),
		Output: convertSchema(raw.Output),
		People: PeopleAssignments{
			PotentialOwners:        convertExpressions(&errs, "people.potential_owners", raw.People.PotentialOwners),
			ExcludedOwners:         convertExpressions(&errs, "people.excluded_owners", raw.People.ExcludedOwners),
			BusinessAdministrators: convertExpressions(&errs, "people.business_administrators", raw.People.BusinessAdministrators),
			Stakeholders:           convertExpressions(&errs, "people.stakeholders", raw.People.Stakeholders),
		},
		Presentation:  raw.Presentation,
		DefaultOutput: raw.DefaultOutput,
	}
	if def.Ref.Version == 0 {
		def.Ref.Version = 1
	}

	for i, d := range raw.Deadlines {
		field := fmt.Sprintf("deadlines[%d]", i)
		dl := Deadline{ID: strings.TrimSpace(d.ID), Kind: DeadlineKind(strings.TrimSpace(d.Kind))}
		dl.After = parseDuration(&errs, field+".after", d.After)
		switch after, at := strings.TrimSpace(d.After), strings.TrimSpace(d.At); {
		case after == "" && at == "":
			errs.addf(field, "needs after or at")
		case after != "" && at != "" && dl.After == 0:
			// Validate reports the non-zero case.
			errs.addf(field, "sets both after and at")
		}
		dl.Repeat = parseDuration(&errs, field+".repeat", d.Repeat)
		if at := strings.TrimSpace(d.At); at != "" {
			ts, err := time.Parse(time.RFC3339, at)
			if err != nil {
				errs.addf(field+".at", "is not RFC3339: %v", err)
			}
			dl.At = ts
		}
		def.Deadlines = append(def.Deadlines, dl)
	}

	for i, e := range raw.Escalations {
		field := fmt.Sprintf("escalations[%d]", i)
		def.Escalations = append(def.Escalations, Escalation{
			ID:       strings.TrimSpace(e.ID),
			Deadline: strings.TrimSpace(e.Deadline),
			Action:   EscalationAction(strings.ToLower(strings.TrimSpace(e.Action))),
			Targets:  convertExpressions(&errs, field+".targets", e.Targets),
		})
	}

	if err := Validate(def); err != nil {
		if verrs, ok := err.(ValidationErrors); ok {
			errs = append(errs, verrs...)
		}
	}
	if len(errs) > 0 {
		return Definition{}, ValidationErrors(errs)
	}
	return def, nil
}

// LoadFile reads and parses a YAML definition from disk.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func convertSchema(in fileSchema) Schema {
	out := Schema{Closed: in.Closed}
	for _, f := range in.Fields {
		t := FieldType(strings.ToLower(strings.TrimSpace(f.Type)))
		if t == "" {
			t = FieldAny
		}
		out.Fields = append(out.Fields, Field{Name: strings.TrimSpace(f.Name), Type: t, Required: f.Required})
	}
	return out
}

func convertExpressions(errs *problems, field string, raw []string) []Expression {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Expression, 0, len(raw))
	for i, r := range raw {
		e, err := ParseExpression(r)
		if err != nil {
			errs.addf(fmt.Sprintf("%s[%d]", field, i), "%v", err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func parseDuration(errs *problems, field, raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		errs.addf(field, "is not a duration: %v", err)
		return 0
	}
	return d
}
