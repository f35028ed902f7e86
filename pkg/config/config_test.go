package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	valid bool
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	s.valid = true
	return nil
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "from-env")
	path := writeFile(t, "name: ${SAMPLE_NAME}\nport: 8080\n")

	var s sample
	if err := Load(path, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "from-env" || s.Port != 8080 || !s.valid {
		t.Errorf("loaded = %+v", s)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "name: x\nprot: 8080\n")
	var s sample
	err := Load(path, &s)
	if err == nil || !strings.Contains(err.Error(), "prot") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoadValidates(t *testing.T) {
	path := writeFile(t, "name: x\n")
	var s sample
	if err := Load(path, &s); err == nil || !strings.Contains(err.Error(), "validation") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, "")
	s := sample{Port: 1}
	if err := Load(path, &s); err != nil {
		t.Fatal(err)
	}
	if s.Port != 1 {
		t.Errorf("defaults overwritten: %+v", s)
	}
}

func TestLoadWithDefaultsMissingFile(t *testing.T) {
	s := sample{Port: 9}
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yaml"), &s); err != nil {
		t.Fatal(err)
	}
	if !s.valid {
		t.Error("defaults were not validated")
	}

	s = sample{}
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yaml"), &s); err == nil {
		t.Error("invalid defaults accepted")
	}
}
