// Package store provides the JSON-file account store. The whole pool is a
// single document so rotation state survives restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

type fileDocument struct {
	Accounts []*auth.Account `json:"accounts"`
}

// FileStore persists accounts as a single JSON document on disk.
type FileStore struct {
	path string
}

// NewFileStore returns a store rooted at path. The file is created on the
// first save; a missing file loads as an empty pool.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadAccounts implements auth.Store. Accounts without an ID are assigned one.
func (s *FileStore) LoadAccounts(ctx context.Context) ([]*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	var doc fileDocument
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", s.path, err)
	}
	for _, acc := range doc.Accounts {
		if acc.ID == "" {
			acc.ID = uuid.NewString()
		}
	}
	return doc.Accounts, nil
}

// SaveAccounts implements auth.Store. The file is written to a temp sibling
// and renamed so readers never observe a partial document.
func (s *FileStore) SaveAccounts(ctx context.Context, accounts []*auth.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := fileDocument{Accounts: accounts}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
