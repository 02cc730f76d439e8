// Package catalogstore persists the product catalog as a single structured
// JSON document and watches it for external edits.
package catalogstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zonewatch/zonewatch/internal/zones"
	"go.uber.org/zap"
)

// Store implements zones.Persister against a single JSON file on disk.
// Writes are whole-file replacements; the parent directory is created if
// missing.
type Store struct {
	path string
	mu   sync.Mutex
	log  *zap.Logger
}

// New returns a Store backed by path. The parent directory is created if it
// does not already exist.
func New(path string, log *zap.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}
	return &Store{path: path, log: log}, nil
}

// Load reads the persisted catalog document. A missing file is not an error:
// it returns a zero-value CatalogDocument so the Evaluator seeds the example
// product.
func (s *Store) Load() (zones.CatalogDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return zones.CatalogDocument{}, nil
		}
		return zones.CatalogDocument{}, fmt.Errorf("reading catalog file: %w", err)
	}
	if len(data) == 0 {
		return zones.CatalogDocument{}, nil
	}

	var doc zones.CatalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return zones.CatalogDocument{}, fmt.Errorf("parsing catalog file: %w", err)
	}
	return doc, nil
}

// Save replaces the persisted catalog document with doc, as a single
// whole-file write.
func (s *Store) Save(doc zones.CatalogDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling catalog: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing catalog file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing catalog file: %w", err)
	}
	return nil
}
