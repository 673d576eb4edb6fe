package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"signerd/pkg/remote"
)

type fakeCapability struct{}

func (fakeCapability) Dial(context.Context, remote.DialOptions) (remote.Client, error) {
	return nil, remote.ErrNotConfigured
}
func (fakeCapability) RunSigningPass(context.Context, string, string, func(string)) error {
	return nil
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"remote":  map[string]any{"driver": "", "api_id": 1, "api_hash": "h"},
		"paths":   map[string]any{"workdir": filepath.Join(dir, "data")},
		"storage": map[string]any{"path": filepath.Join(dir, "signerd.db")},
		"logging": map[string]any{"console": false, "file": map[string]any{"enabled": false}},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewWithInjectedDriver(t *testing.T) {
	t.Parallel()
	a, err := New(writeConfig(t), fakeCapability{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestNewWithoutDriverFails(t *testing.T) {
	t.Parallel()
	if _, err := New(writeConfig(t), nil); err == nil {
		t.Fatal("expected error when no driver is injected or registered")
	}
}
