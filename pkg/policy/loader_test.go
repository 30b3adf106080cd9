package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleRego = `# Suppress clusters touching a single district.
# severity: error
package datapulse.policies.district

import rego.v1

deny contains violation if {
	some cluster in input.abstract.dimensional_findings.outlier_clusters
	cluster.dimensions.district
	violation := {"message": "district-level finding", "kind": "outlier_cluster"}
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "district-floor.rego", sampleRego)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(path)
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("policies = %d, want 1", len(policies))
	}

	p := policies[0]
	if p.Name != "district-floor" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Description != "Suppress clusters touching a single district." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %q, want the annotation honored", p.Severity)
	}
	if !p.Enabled {
		t.Error("loaded policies default to enabled")
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	payload, _ := json.Marshal(Policy{
		Name:     "from-json",
		Rego:     "package datapulse.policies.x\n\nimport rego.v1\n",
		Severity: SeverityInfo,
		Enabled:  true,
	})
	path := writeFile(t, dir, "from-json.json", string(payload))

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(path)
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "from-json" || policies[0].Severity != SeverityInfo {
		t.Errorf("policies = %+v", policies)
	}
}

func TestLoadDirectorySkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.rego", sampleRego)
	writeFile(t, dir, "bad.json", "{not json")
	writeFile(t, dir, "notes.txt", "ignored")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(dir)
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "good" {
		t.Errorf("policies = %+v, want only the parseable .rego", policies)
	}
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cached.rego", sampleRego)

	loader := NewLoader(zerolog.Nop())
	first, err := loader.LoadFromPaths(path)
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	// A second load returns the cached parse even after the file changes.
	writeFile(t, dir, "cached.rego", "# rewritten\npackage datapulse.policies.other\n")
	second, err := loader.LoadFromPaths(path)
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if second[0].Rego != first[0].Rego {
		t.Error("expected the cached policy")
	}

	loader.ClearCache()
	third, err := loader.LoadFromPaths(path)
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if third[0].Rego == first[0].Rego {
		t.Error("ClearCache should force a reread")
	}
}

func TestParseRegoHeader(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantDesc     string
		wantSeverity Severity
	}{
		{
			name:         "description and severity",
			content:      "# First line.\n# severity: critical\n# Second line.\npackage x\n",
			wantDesc:     "First line. Second line.",
			wantSeverity: SeverityCritical,
		},
		{
			name:         "no annotations",
			content:      "package x\n",
			wantDesc:     "",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "unknown severity ignored",
			content:      "# severity: shrug\npackage x\n",
			wantDesc:     "",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "comments after code ignored",
			content:      "package x\n# trailing comment\n",
			wantDesc:     "",
			wantSeverity: SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := parseRegoHeader(tt.content)
			if desc != tt.wantDesc {
				t.Errorf("description = %q, want %q", desc, tt.wantDesc)
			}
			if sev != tt.wantSeverity {
				t.Errorf("severity = %q, want %q", sev, tt.wantSeverity)
			}
		})
	}
}

func TestLoadBundle(t *testing.T) {
	dir := t.TempDir()
	payload, _ := json.Marshal(PolicyBundle{
		Name:    "site-rules",
		Version: "1.2.0",
		Policies: []Policy{
			{Name: "a", Rego: "package a"},
			{Name: "b", Rego: "package b"},
		},
	})
	path := writeFile(t, dir, "bundle.json", string(payload))

	loader := NewLoader(zerolog.Nop())
	bundle, err := loader.LoadBundle(path)
	if err != nil {
		t.Fatalf("LoadBundle() error = %v", err)
	}
	if bundle.Name != "site-rules" || len(bundle.Policies) != 2 {
		t.Errorf("bundle = %+v", bundle)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "watched.rego", sampleRego)

	loader := NewLoader(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 1)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		select {
		case reloaded <- policies:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writeFile(t, dir, "watched.rego", "# changed\npackage datapulse.policies.changed\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 1 {
			t.Errorf("reloaded policies = %d, want 1", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
