package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracer produced a recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Enabled: true, Stdout: true, ServiceName: "humantasks-test", Writer: &buf})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := Tracer("test").Start(context.Background(), "tasks.submit")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "tasks.submit") {
		t.Fatalf("exported spans missing tasks.submit: %s", buf.String())
	}

	if _, err := Init(context.Background(), Config{}); err != nil {
		t.Fatalf("reset Init() error = %v", err)
	}
}
