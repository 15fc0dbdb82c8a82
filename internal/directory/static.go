package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/humantasks/internal/definition"
)

// anySubject keys a role's principals when the expression names no subject.
const anySubject = "*"

// Static is an in-memory directory, loaded from YAML for development and tests:
//
//	groups:
//	  finance-admins: [erin, frank]
//	roles:
//	  manager:
//	    bob: [alice]
//	    "*": [carol]
type Static struct {
	mu     sync.RWMutex
	groups map[string][]string
	roles  map[string]map[string][]string
}

type staticFile struct {
	Groups map[string][]string            `yaml:"groups"`
	Roles  map[string]map[string][]string `yaml:"roles"`
}

func NewStatic() *Static {
	return &Static{
		groups: make(map[string][]string),
		roles:  make(map[string]map[string][]string),
	}
}

// LoadStaticFile builds a Static directory from a YAML file.
func LoadStaticFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var raw staticFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode directory file: %w", err)
	}
	s := NewStatic()
	for g, members := range raw.Groups {
		s.SetGroup(g, members...)
	}
	for role, subjects := range raw.Roles {
		for subject, principals := range subjects {
			s.SetRole(role, subject, principals...)
		}
	}
	return s, nil
}

func (s *Static) SetGroup(group string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[strings.TrimSpace(group)] = append([]string(nil), members...)
}

// SetRole records who holds role for subject. An empty subject stands for any.
func (s *Static) SetRole(role, subject string, principals ...string) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = anySubject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	role = strings.TrimSpace(role)
	if s.roles[role] == nil {
		s.roles[role] = make(map[string][]string)
	}
	s.roles[role][subject] = append([]string(nil), principals...)
}

func (s *Static) ResolveExpression(ctx context.Context, expr definition.Expression) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	switch e := expr.(type) {
	case definition.Literal:
		out = []string{e.Principal}
	case definition.GroupRef:
		out = append(out, s.groups[e.Group]...)
	case definition.RoleExpr:
		subject := e.Of
		if subject == "" {
			subject = anySubject
		}
		out = append(out, s.roles[e.Role][subject]...)
	default:
		return nil, fmt.Errorf("unsupported expression %T", expr)
	}
	sort.Strings(out)
	return out, nil
}
