package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"contractflow/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp().WithOutput(&out, &errOut)
	err := app.ExecuteWithArgs(context.Background(), args)
	return out.String(), err
}

func TestDemoRunsEndToEnd(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	out, err := run(t, "demo")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, out)
	}
	for _, want := range []string{
		"originated contract",
		"₦10,000,000",
		`"next_actor": "CUSTOMER"`,
		"transferred to unit-b",
		"1 payments migrated",
		"adjustment ₦1,000,000",
		"delivered",
		"send-email=",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDemoUsesConfiguredTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	doc := `
log:
  level: error
templates:
  - id: mortgage-standard
    name: Single payment
    phases:
      - name: Full payment
        category: payment
        percentage: "100"
        installments: 1
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "--config", path, "demo")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, out)
	}
	if !strings.Contains(out, "paid ₦10,000,000 towards Full payment") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestCommandsNeedDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	for _, args := range [][]string{{"migrate"}, {"worker", "--once"}, {"status", "c-1"}, {"retry-due"}, {"rollback", "ev-1"}} {
		_, err := run(t, args...)
		if err == nil || !strings.Contains(err.Error(), "database url is not configured") {
			t.Errorf("%v: got %v", args, err)
		}
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "demo")
	if err == nil || !strings.Contains(err.Error(), config.ErrNotFound.Error()) {
		t.Fatalf("got %v", err)
	}
}

func TestStatusRequiresID(t *testing.T) {
	if _, err := run(t, "status"); err == nil {
		t.Fatal("expected argument error")
	}
}
