package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/marksync/internal/tree"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrNotFound       = errors.New("not found")
)

const snapshotVersion = 1

// Snapshot is everything marksync persists between runs.
type Snapshot struct {
	Version  int               `json:"version"`
	Bindings map[string]string `json:"bindings"`
	Groups   []tree.Group      `json:"groups"`
	Items    []tree.Item       `json:"items"`
	SavedAt  time.Time         `json:"savedAt"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Version:  snapshotVersion,
		Bindings: map[string]string{},
		Groups:   []tree.Group{},
		Items:    []tree.Item{},
	}
}

func (s *Snapshot) normalize() {
	if s.Version == 0 {
		s.Version = snapshotVersion
	}
	if s.Bindings == nil {
		s.Bindings = map[string]string{}
	}
	if s.Groups == nil {
		s.Groups = []tree.Group{}
	}
	if s.Items == nil {
		s.Items = []tree.Item{}
	}
}

// Backend loads and saves a Snapshot. Load returns nil, nil when nothing has
// been saved yet.
type Backend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

type backendCloser interface {
	Close() error
}

// Close releases backend resources when the backend holds any.
func Close(b Backend) error {
	if closer, ok := b.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	snapshot.normalize()
	return &snapshot, nil
}

func (b *JSONFileBackend) Save(snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return WriteFileAtomic(b.Path, data, 0o644)
}

type InMemoryBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var clone Snapshot
	if err := json.Unmarshal(b.snapshot, &clone); err != nil {
		return nil, err
	}
	clone.normalize()
	return &clone, nil
}

func (b *InMemoryBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
