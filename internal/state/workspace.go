package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/marksync/internal/tree"
)

// Binding keys persisted in the snapshot.
const (
	KeyRootFolderID    = "rootFolderId"
	KeyHomeFolderID    = "homeFolderId"
	KeyWorkspaceMarker = "workspaceMarker"
)

// Workspace is the persisted view of one marksync workspace: container
// bindings, groups and the last saved item set. Every mutation is written
// through to the backend.
type Workspace struct {
	mu       sync.Mutex
	backend  Backend
	snapshot *Snapshot
	now      func() time.Time
}

// OpenWorkspace loads the current snapshot from backend. A nil backend keeps
// everything in process memory.
func OpenWorkspace(backend Backend) (*Workspace, error) {
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if snapshot == nil {
		snapshot = newSnapshot()
	}
	snapshot.normalize()
	return &Workspace{backend: backend, snapshot: snapshot, now: time.Now}, nil
}

func (w *Workspace) Backend() Backend {
	return w.backend
}

func (w *Workspace) Get(key string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	value, ok := w.snapshot.Bindings[key]
	return value, ok && value != ""
}

func (w *Workspace) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snapshot.Bindings[key] == value {
		return nil
	}
	w.snapshot.Bindings[key] = value
	return w.saveLocked()
}

func (w *Workspace) Delete(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.snapshot.Bindings[key]; !ok {
		return nil
	}
	delete(w.snapshot.Bindings, key)
	return w.saveLocked()
}

func (w *Workspace) LookupGroup(id string) (tree.Group, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, g := range w.snapshot.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return tree.Group{}, false
}

// UpdateGroup inserts or replaces the group with the same id.
func (w *Workspace) UpdateGroup(group tree.Group) error {
	if strings.TrimSpace(group.ID) == "" || group.ID == tree.HomeGroupID {
		return ErrInvalidInput
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, g := range w.snapshot.Groups {
		if g.ID == group.ID {
			if g == group {
				return nil
			}
			w.snapshot.Groups[i] = group
			return w.saveLocked()
		}
	}
	w.snapshot.Groups = append(w.snapshot.Groups, group)
	return w.saveLocked()
}

func (w *Workspace) RemoveGroup(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, g := range w.snapshot.Groups {
		if g.ID == id {
			w.snapshot.Groups = append(w.snapshot.Groups[:i], w.snapshot.Groups[i+1:]...)
			return w.saveLocked()
		}
	}
	return ErrNotFound
}

// ListGroups returns groups sorted by name, then id.
func (w *Workspace) ListGroups() []tree.Group {
	w.mu.Lock()
	out := append([]tree.Group(nil), w.snapshot.Groups...)
	w.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (w *Workspace) Items() []tree.Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]tree.Item(nil), w.snapshot.Items...)
}

func (w *Workspace) SaveItems(items []tree.Item) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshot.Items = append([]tree.Item(nil), items...)
	return w.saveLocked()
}

func (w *Workspace) saveLocked() error {
	w.snapshot.SavedAt = w.now().UTC()
	if err := w.backend.Save(w.snapshot); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
