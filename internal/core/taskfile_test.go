package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/3cpo-dev/taskr/internal/taskfile"
)

func TestResolveTableFallsBackToBuiltin(t *testing.T) {
	table, err := ResolveTable("", Config{}, t.TempDir())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if table.Source() != taskfile.BuiltinSource {
		t.Fatalf("expected builtin table, got %s", table.Source())
	}
}

func TestResolveTablePrecedence(t *testing.T) {
	dir := t.TempDir()
	write := func(name, task string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("tasks:\n  - name: "+task+"\n    commands: [\"true\"]\n"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}
	discovered := write("taskr.yaml", "discovered")
	configured := write("configured.yaml", "configured")
	explicit := write("explicit.yml", "explicit")

	cases := []struct {
		name     string
		explicit string
		cfg      Config
		want     string
	}{
		{"discovered", "", Config{}, discovered},
		{"configured", "", Config{Taskfile: configured}, configured},
		{"explicit", explicit, Config{Taskfile: configured}, explicit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table, err := ResolveTable(tc.explicit, tc.cfg, dir)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if table.Source() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, table.Source())
			}
			if _, ok := table.Get(tc.name); !ok {
				t.Fatalf("expected task %s in %v", tc.name, table.Names())
			}
		})
	}
}
