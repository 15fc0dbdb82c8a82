package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validDefinition = `
kind: Notification
namespace: ops
name: outage-notice
version: 3
people:
  potential_owners: ["group:oncall"]
presentation:
  name: "Outage notice"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestValidateAcceptsGoodDefinition(t *testing.T) {
	path := writeFile(t, "notice.yaml", validDefinition)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "ops/outage-notice@v3") {
		t.Fatalf("output = %q, want definition ref", out.String())
	}
}

func TestValidateReportsInvalidDefinitionAsJSON(t *testing.T) {
	good := writeFile(t, "notice.yaml", validDefinition)
	bad := writeFile(t, "broken.yaml", "kind: Mystery\nnamespace: ops\n")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--json", good, bad})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("Execute() error = %v, want 1 of 2 invalid", err)
	}

	var results []validateResult
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out.String())
	}
	if len(results) != 2 || results[0].Status != "ok" || results[1].Status != "invalid" || results[1].Error == "" {
		t.Fatalf("results = %+v", results)
	}
}
