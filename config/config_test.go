package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
[references]
disabled = false
retain-soft = false

[scanning]
slice-oop-maps = true

[weak]
parallel = true

[workers]
count = 3

[heap]
words = 4096

[stats]
database = "history.db"

[log]
verbosity = 2
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.References.RetainSoft {
		t.Error("retain-soft = true, want false")
	}
	if !c.Scanning.SliceOopMaps {
		t.Error("slice-oop-maps = false, want true")
	}
	if c.Workers.Count != 3 {
		t.Errorf("workers.count = %d, want 3", c.Workers.Count)
	}
	if c.Heap.Words != 4096 {
		t.Errorf("heap.words = %d, want 4096", c.Heap.Words)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("log.verbosity = %d, want 2", c.Log.Verbosity)
	}
	if c.StatsPath() != filepath.Join(c.Dir, "history.db") {
		t.Errorf("StatsPath() = %q", c.StatsPath())
	}

	opts := c.CoordinatorOptions()
	if !opts.ParallelWeak || !opts.ClearSoft {
		t.Errorf("coordinator options = %+v", opts)
	}
	sopts := c.ScannerOptions()
	if sopts.DisableReferences || !sopts.SliceOopMapBlocks {
		t.Errorf("scanner options = %+v", sopts)
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	c, err := Parse([]byte("[workers]\ncount = 2\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	def := Default()
	if c.References.RetainSoft != def.References.RetainSoft {
		t.Error("retain-soft default lost")
	}
	if c.Heap.Words != def.Heap.Words {
		t.Errorf("heap.words = %d, want default %d", c.Heap.Words, def.Heap.Words)
	}
	if c.StatsPath() != "" {
		t.Errorf("StatsPath() = %q, want empty", c.StatsPath())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[workers\n", ""},
		{"unknown key", "[weak]\nconcurrent = true\n", "weak.concurrent"},
		{"negative workers", "[workers]\ncount = -1\n", "workers.count"},
		{"zero heap", "[heap]\nwords = 0\n", "heap.words"},
		{"verbosity", "[log]\nverbosity = 9\n", "log.verbosity"},
		{"parallel without references", "[references]\ndisabled = true\n[weak]\nparallel = true\n", "weak.parallel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[workers]\ncount = 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil || c.Workers.Count != 5 {
		t.Fatalf("FindAndLoad = %+v", c)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("Dir = %q, want %q", c.Dir, abs)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of an empty directory succeeded")
	}
}

func TestExampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "examples", "cache"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !c.Weak.Parallel || c.Workers.Count != 4 {
		t.Errorf("example config = %+v", c)
	}
}
