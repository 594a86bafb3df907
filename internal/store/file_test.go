package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accounts.json")
	fs := NewFileStore(path)
	ctx := context.Background()

	accounts := []*auth.Account{
		{
			ID:          "acc-1",
			Provider:    auth.ProviderAnthropic,
			APIKey:      "sk-1",
			HealthScore: 64,
			Quota:       &auth.Quota{Remaining: 10, Limit: 100},
			LastUsed:    time.Now().Truncate(time.Second),
		},
		{Provider: auth.ProviderOpenAI, APIKey: "sk-2"},
	}
	if err := fs.SaveAccounts(ctx, accounts); err != nil {
		t.Fatalf("SaveAccounts: %v", err)
	}

	loaded, err := fs.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d accounts, want 2", len(loaded))
	}
	if loaded[0].ID != "acc-1" || loaded[0].HealthScore != 64 {
		t.Errorf("first account = %+v", loaded[0])
	}
	if loaded[0].Quota == nil || loaded[0].Quota.Remaining != 10 {
		t.Errorf("quota not preserved: %+v", loaded[0].Quota)
	}
	// The second account was saved without an id and gets one on load.
	if loaded[1].ID == "" {
		t.Error("missing id should be assigned on load")
	}
}

func TestFileStore_MissingFileLoadsEmpty(t *testing.T) {
	t.Parallel()

	fs := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	accounts, err := fs.LoadAccounts(context.Background())
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Errorf("loaded %d accounts from a missing file", len(accounts))
	}
}

func TestFileStore_RejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).LoadAccounts(context.Background()); err == nil {
		t.Error("corrupt file should be an error")
	}
}

func TestFileStore_SaveCreatesParentDir(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "accounts.json")
	fs := NewFileStore(path)
	if err := fs.SaveAccounts(context.Background(), nil); err != nil {
		t.Fatalf("SaveAccounts: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file not created: %v", err)
	}
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "accounts.json"))
	for i := 0; i < 3; i++ {
		if err := fs.SaveAccounts(context.Background(), []*auth.Account{{ID: "a", Provider: auth.ProviderGeneric}}); err != nil {
			t.Fatalf("SaveAccounts: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contains %v, want only accounts.json", names)
	}
}
