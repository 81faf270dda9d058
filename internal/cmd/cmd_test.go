package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "directory-hub 1.2.3" {
		t.Errorf("unexpected version output %q", out)
	}
}

func TestMigrateCmd(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dsn := filepath.Join(t.TempDir(), "migrate.db")

	out, err := execute(t, "migrate", "status", "--dsn", dsn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "schema version: none") {
		t.Errorf("expected no version before up, got %q", out)
	}

	out, err = execute(t, "migrate", "up", "--dsn", dsn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "schema version: 1") {
		t.Errorf("expected version 1 after up, got %q", out)
	}

	out, err = execute(t, "migrate", "down", "--dsn", dsn)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "schema version: none") {
		t.Errorf("expected no version after down, got %q", out)
	}
}

func TestMigrationTarget(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		args       []string
		wantDriver string
		wantDSN    string
	}{
		{"default", "", nil, "sqlite", "directory.db"},
		{"env postgres", "postgres://u:p@db/dir", nil, "postgres", "postgres://u:p@db/dir"},
		{"flag wins", "postgres://u:p@db/dir", []string{"--dsn", "local.db"}, "sqlite", "local.db"},
		{"explicit driver", "", []string{"--driver", "postgres", "--dsn", "host=db"}, "postgres", "host=db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", tt.env)
			var gotDriver, gotDSN string
			cmd := newMigrateCmd()
			cmd.RunE = func(c *cobra.Command, _ []string) error {
				gotDriver, gotDSN = migrationTarget(c)
				return nil
			}
			cmd.SetArgs(tt.args)
			if err := cmd.Execute(); err != nil {
				t.Fatal(err)
			}
			if gotDriver != tt.wantDriver || gotDSN != tt.wantDSN {
				t.Errorf("got (%q, %q), want (%q, %q)", gotDriver, gotDSN, tt.wantDriver, tt.wantDSN)
			}
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	root := NewRootCmd("test")
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, []string{"pos.json"}, ""); got != "pos.json" {
		t.Errorf("positional arg: got %q", got)
	}
	if got := resolveConfigPath(run, nil, "fallback.json"); got != "fallback.json" {
		t.Errorf("default: got %q", got)
	}
	if err := root.PersistentFlags().Set("config", "flag.json"); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, nil, ""); got != "flag.json" {
		t.Errorf("flag: got %q", got)
	}
}
