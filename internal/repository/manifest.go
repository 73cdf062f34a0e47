package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"persona-rag/internal/models"
)

var ErrManifestCorrupted = errors.New("manifest corrupted")

// SourceState is what the last build recorded about one knowledge source.
type SourceState struct {
	Layer     models.Layer `json:"layer"`
	Hash      string       `json:"hash"`
	RecordIDs []string     `json:"record_ids"`
}

// Manifest tracks source file hashes between builds so unchanged files are skipped
// and the ids produced by a changed file can be removed before it is re-indexed.
type Manifest struct {
	path    string
	mu      sync.Mutex
	Sources map[string]SourceState `json:"sources"`
}

// NewManifest returns an empty manifest that saves to path. An empty path keeps it in memory only.
func NewManifest(path string) *Manifest {
	return &Manifest{path: path, Sources: make(map[string]SourceState)}
}

// LoadManifest reads path. A missing file yields an empty manifest; a file that does not parse
// yields ErrManifestCorrupted. An empty path gives a manifest that lives only in memory.
func LoadManifest(path string) (*Manifest, error) {
	m := NewManifest(path)
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrManifestCorrupted, path, err)
	}
	if m.Sources == nil {
		m.Sources = make(map[string]SourceState)
	}
	return m, nil
}

func (m *Manifest) Get(source string) (SourceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sources[source]
	return s, ok
}

func (m *Manifest) Set(source string, state SourceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sources[source] = state
}

func (m *Manifest) Remove(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sources, source)
}

// Names returns tracked sources in a stable order.
func (m *Manifest) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset forgets every source.
func (m *Manifest) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sources = make(map[string]SourceState)
}

// Save writes the manifest atomically.
func (m *Manifest) Save() error {
	if m.path == "" {
		return nil
	}

	m.mu.Lock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}
