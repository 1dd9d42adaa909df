package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSchemasValidateEmbedded(t *testing.T) {
	var out bytes.Buffer
	schemasValidateCmd.SetOut(&out)
	if err := schemasValidateCmd.RunE(schemasValidateCmd, nil); err != nil {
		t.Fatalf("schemas validate error = %v", err)
	}
	if !strings.Contains(out.String(), "3 schemas ok") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestSchemasValidateRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	raw := "schemas:\n  - id: broken\n    name: Broken\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	schemasValidateCmd.SetOut(&bytes.Buffer{})
	if err := schemasValidateCmd.RunE(schemasValidateCmd, []string{path}); err == nil {
		t.Fatalf("schemas validate error = nil, want validation error")
	}
}

func TestManifestValidateEmbedded(t *testing.T) {
	var out bytes.Buffer
	manifestValidateCmd.SetOut(&out)
	if err := manifestValidateCmd.RunE(manifestValidateCmd, nil); err != nil {
		t.Fatalf("manifest validate error = %v", err)
	}
	if !strings.Contains(out.String(), "get_user_by_email_or_phone") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Fatalf("newLogger() error = nil, want error")
	}
}
