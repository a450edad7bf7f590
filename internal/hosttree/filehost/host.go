// Package filehost implements hosttree.Host on top of a Chromium profile's
// Bookmarks file. Reads are served from memory; every successful write is
// saved back atomically. Edits made to the file by someone else are picked up
// by Reload (or the fsnotify watcher) and turned into host events.
package filehost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/state"
)

const defaultDebounce = 250 * time.Millisecond

type Options struct {
	// Path of the Bookmarks file. A missing file is created with empty roots.
	Path string
	// Debounce is how long the watcher waits for the file to settle.
	Debounce time.Duration
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Host is a hosttree.Host backed by a Bookmarks file.
type Host struct {
	path     string
	lockPath string
	debounce time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time

	mem *hosttree.MemoryHost

	// mu serializes file access and guards the fields below.
	mu           sync.Mutex
	meta         map[string]nodeMeta
	syncMetadata string
	lastHash     string

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

var _ hosttree.Host = (*Host)(nil)

func Open(opts Options) (*Host, error) {
	if opts.Path == "" {
		return nil, errors.New("bookmarks file path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	h := &Host{
		path:     opts.Path,
		lockPath: opts.Path + ".marksync.lock",
		debounce: debounce,
		logger:   logger.WithFields(logrus.Fields{"component": "filehost", "path": opts.Path}),
		now:      now,
		mem:      hosttree.NewMemoryHost(),
		meta:     map[string]nodeMeta{},
		done:     make(chan struct{}),
	}

	data, err := h.readFile()
	switch {
	case errors.Is(err, os.ErrNotExist):
		doc := newDocument(now())
		initial, encErr := encodeDocument(doc)
		if encErr != nil {
			return nil, encErr
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create bookmarks dir: %w", err)
		}
		if err := h.writeFile(initial); err != nil {
			return nil, err
		}
		data = initial
	case err != nil:
		return nil, err
	}

	parsed, err := decode(data)
	if err != nil {
		return nil, err
	}
	h.mem.Load(parsed.root)
	h.meta = parsed.meta
	h.syncMetadata = parsed.syncMetadata
	h.lastHash = hashBytes(data)
	return h, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (h *Host) readFile() ([]byte, error) {
	unlock, err := lockFile(h.lockPath)
	if err != nil {
		return nil, fmt.Errorf("lock bookmarks file: %w", err)
	}
	defer unlock()
	return os.ReadFile(h.path)
}

func (h *Host) writeFile(data []byte) error {
	unlock, err := lockFile(h.lockPath)
	if err != nil {
		return fmt.Errorf("lock bookmarks file: %w", err)
	}
	defer unlock()
	if err := state.WriteFileAtomic(h.path, data, 0o600); err != nil {
		return fmt.Errorf("write bookmarks file: %w", err)
	}
	return nil
}

// save writes the current tree. A failed save leaves the in-memory tree as
// it is; the next successful save carries the change.
func (h *Host) save() {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := encode(h.mem.Snapshot(), h.meta, h.syncMetadata, h.now())
	if err == nil {
		err = h.writeFile(data)
	}
	if err != nil {
		h.logger.WithError(err).Warn("save bookmarks file failed")
		return
	}
	h.lastHash = hashBytes(data)
}

// Reload re-reads the file and emits the events that turn the previous tree
// into the file's tree. Content identical to the last load or save is a
// no-op, which is how our own saves are told apart from foreign edits.
func (h *Host) Reload() error {
	h.mu.Lock()
	data, err := h.readFile()
	if err != nil {
		h.mu.Unlock()
		return err
	}
	sum := hashBytes(data)
	if sum == h.lastHash {
		h.mu.Unlock()
		return nil
	}
	parsed, err := decode(data)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	previous := h.mem.Snapshot()
	h.mem.Load(parsed.root)
	h.meta = parsed.meta
	h.syncMetadata = parsed.syncMetadata
	h.lastHash = sum
	h.mu.Unlock()

	events := hosttree.Diff(previous, parsed.root)
	h.logger.WithField("events", len(events)).Info("bookmarks file changed on disk")
	for _, ev := range events {
		h.mem.Emit(ev)
	}
	return nil
}

func (h *Host) Get(ctx context.Context, id string) (hosttree.Node, error) {
	return h.mem.Get(ctx, id)
}

func (h *Host) Children(ctx context.Context, id string) ([]hosttree.Node, error) {
	return h.mem.Children(ctx, id)
}

func (h *Host) Subtree(ctx context.Context, id string) (hosttree.Node, error) {
	return h.mem.Subtree(ctx, id)
}

// Snapshot returns the whole tree from the invisible root.
func (h *Host) Snapshot() hosttree.Node {
	return h.mem.Snapshot()
}

func (h *Host) Create(ctx context.Context, req hosttree.CreateRequest) (hosttree.Node, error) {
	node, err := h.mem.Create(ctx, req)
	if err != nil {
		return hosttree.Node{}, err
	}
	h.save()
	return node, nil
}

func (h *Host) Move(ctx context.Context, id string, req hosttree.MoveRequest) (hosttree.Node, error) {
	node, err := h.mem.Move(ctx, id, req)
	if err != nil {
		return hosttree.Node{}, err
	}
	h.save()
	return node, nil
}

func (h *Host) Update(ctx context.Context, id string, req hosttree.UpdateRequest) (hosttree.Node, error) {
	node, err := h.mem.Update(ctx, id, req)
	if err != nil {
		return hosttree.Node{}, err
	}
	h.save()
	return node, nil
}

func (h *Host) Remove(ctx context.Context, id string) error {
	if err := h.mem.Remove(ctx, id); err != nil {
		return err
	}
	h.save()
	return nil
}

func (h *Host) RemoveSubtree(ctx context.Context, id string) error {
	if err := h.mem.RemoveSubtree(ctx, id); err != nil {
		return err
	}
	h.save()
	return nil
}

func (h *Host) Subscribe(handler hosttree.Handler) func() {
	return h.mem.Subscribe(handler)
}
