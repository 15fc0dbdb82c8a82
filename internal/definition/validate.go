package definition

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ErrValidation marks a malformed task definition.
var ErrValidation = errors.New("definition validation failed")

// Problem is one defect found in a definition or payload.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	if p.Field == "" {
		return p.Message
	}
	return p.Field + " " + p.Message
}

// ValidationErrors carries every defect found in a definition.
type ValidationErrors []Problem

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, p := range v {
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

type problems []Problem

func (p *problems) addf(field, format string, args ...any) {
	*p = append(*p, Problem{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks def and returns ValidationErrors listing every defect, or nil.
func Validate(def Definition) error {
	var errs problems

	if strings.TrimSpace(def.Ref.Namespace) == "" {
		errs.addf("ref.namespace", "is required")
	}
	if strings.TrimSpace(def.Ref.Name) == "" {
		errs.addf("ref.name", "is required")
	}
	if def.Ref.Version < 1 {
		errs.addf("ref.version", "must be >= 1")
	}

	switch def.Kind {
	case KindGenericTask, KindNotification:
	case "":
		errs.addf("kind", "is required")
	default:
		errs.addf("kind", "unknown kind %q", def.Kind)
	}

	if len(def.People.PotentialOwners) == 0 {
		errs.addf("people.potential_owners", "must name at least one owner")
	}
	validateExpressions(&errs, "people.potential_owners", def.People.PotentialOwners)
	validateExpressions(&errs, "people.excluded_owners", def.People.ExcludedOwners)
	validateExpressions(&errs, "people.business_administrators", def.People.BusinessAdministrators)
	validateExpressions(&errs, "people.stakeholders", def.People.Stakeholders)

	validateSchema(&errs, "input", def.Input)
	validateSchema(&errs, "output", def.Output)

	deadlines := make(map[string]Deadline, len(def.Deadlines))
	for i, dl := range def.Deadlines {
		field := fmt.Sprintf("deadlines[%d]", i)
		if strings.TrimSpace(dl.ID) == "" {
			errs.addf(field+".id", "is required")
		} else if _, dup := deadlines[dl.ID]; dup {
			errs.addf(field+".id", "duplicates %q", dl.ID)
		} else {
			deadlines[dl.ID] = dl
		}
		switch dl.Kind {
		case DeadlineStart, DeadlineCompletion:
		default:
			errs.addf(field+".kind", "must be Start or Completion")
		}
		if dl.After < 0 {
			errs.addf(field+".after", "must not be negative")
		}
		if dl.After != 0 && !dl.At.IsZero() {
			errs.addf(field, "sets both after and at")
		}
		if dl.Repeat < 0 {
			errs.addf(field+".repeat", "must not be negative")
		}
	}

	escalations := make(map[string]struct{}, len(def.Escalations))
	for i, esc := range def.Escalations {
		field := fmt.Sprintf("escalations[%d]", i)
		if strings.TrimSpace(esc.ID) == "" {
			errs.addf(field+".id", "is required")
		} else if _, dup := escalations[esc.ID]; dup {
			errs.addf(field+".id", "duplicates %q", esc.ID)
		} else {
			escalations[esc.ID] = struct{}{}
		}
		dl, ok := deadlines[esc.Deadline]
		if !ok {
			errs.addf(field+".deadline", "references unknown deadline %q", esc.Deadline)
		}
		switch esc.Action {
		case EscalationReassign, EscalationNotify:
			if len(esc.Targets) == 0 {
				errs.addf(field+".targets", "are required for %s", esc.Action)
			}
		case EscalationFail:
			if def.Kind == KindNotification && ok && dl.Kind == DeadlineCompletion {
				errs.addf(field+".action", "fail is not allowed on a Notification completion deadline")
			}
		default:
			errs.addf(field+".action", "unknown action %q", esc.Action)
		}
		validateExpressions(&errs, field+".targets", esc.Targets)
	}

	if _, err := template.New("name").Parse(def.Presentation.Name); err != nil {
		errs.addf("presentation.name", "is not a valid template: %v", err)
	}
	if _, err := template.New("description").Parse(def.Presentation.Description); err != nil {
		errs.addf("presentation.description", "is not a valid template: %v", err)
	}

	for key := range def.DefaultOutput {
		if len(def.Output.Fields) > 0 {
			if _, ok := def.Output.Field(key); !ok {
				errs.addf("default_output."+key, "is not declared in the output schema")
			}
		}
	}

	if def.Kind == KindNotification {
		for _, f := range def.Output.Fields {
			if _, ok := def.DefaultOutput[f.Name]; f.Required && !ok {
				errs.addf("default_output."+f.Name, "is required by the output schema of a Notification")
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return ValidationErrors(errs)
}

func validateExpressions(errs *problems, field string, exprs []Expression) {
	for i, e := range exprs {
		f := fmt.Sprintf("%s[%d]", field, i)
		switch x := e.(type) {
		case Literal:
			if strings.TrimSpace(x.Principal) == "" {
				errs.addf(f, "literal principal is empty")
			}
		case GroupRef:
			if strings.TrimSpace(x.Group) == "" {
				errs.addf(f, "group reference is empty")
			}
		case RoleExpr:
			if strings.TrimSpace(x.Role) == "" {
				errs.addf(f, "role expression is empty")
			}
		case nil:
			errs.addf(f, "is empty")
		default:
			errs.addf(f, "unsupported expression %T", e)
		}
	}
}

func validateSchema(errs *problems, field string, s Schema) {
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		name := fmt.Sprintf("%s.fields[%d]", field, i)
		if strings.TrimSpace(f.Name) == "" {
			errs.addf(name+".name", "is required")
			continue
		}
		if _, dup := seen[f.Name]; dup {
			errs.addf(name+".name", "duplicates %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if !validFieldType(f.Type) {
			errs.addf(name+".type", "unknown type %q", f.Type)
		}
	}
}
