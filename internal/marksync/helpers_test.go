package marksync

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/state"
	"github.com/agentworkforce/marksync/internal/tree"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	host   *hosttree.MemoryHost
	clock  *fakeClock
	ws     *state.Workspace
}

func testConfig() Config {
	return Config{
		DepthCeiling: 3,
		LockSingle:   time.Second,
		LockBulk:     3 * time.Second,
		LockPerItem:  100 * time.Millisecond,
	}
}

// newHarness starts an engine over a fresh MemoryHost and leaves the write
// lock open.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, hosttree.NewMemoryHost(), testConfig())
}

func newHarnessWith(t *testing.T, host *hosttree.MemoryHost, cfg Config) *harness {
	t.Helper()
	ws, err := state.OpenWorkspace(nil)
	require.NoError(t, err)
	clock := newFakeClock()
	opts := Options{State: ws, Config: cfg, Logger: quietLogger(), Now: clock.Now}
	if host != nil {
		opts.Host = host
	}
	e, err := New(opts)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)
	h := &harness{t: t, ctx: ctx, engine: e, host: host, clock: clock, ws: ws}
	h.settle()
	return h
}

// settle moves the clock past any open write-lock window.
func (h *harness) settle() {
	h.clock.Advance(time.Hour)
}

func (h *harness) homeExt() string {
	id := h.engine.Resolver().Persisted(HomeRole())
	require.NotEmpty(h.t, id)
	return id
}

func (h *harness) create(in NewItem) tree.Item {
	h.t.Helper()
	id, err := h.engine.CreateItem(h.ctx, in)
	require.NoError(h.t, err)
	item, ok := h.engine.Item(id)
	require.True(h.t, ok)
	return item
}

func (h *harness) shortcut(parentID, title string) tree.Item {
	h.t.Helper()
	return h.create(NewItem{Type: tree.TypeShortcut, ParentID: parentID, Title: title, URL: "https://" + title + ".example"})
}

func (h *harness) folder(parentID, title string) tree.Item {
	h.t.Helper()
	return h.create(NewItem{Type: tree.TypeFolder, ParentID: parentID, Title: title})
}

func (h *harness) item(id string) tree.Item {
	h.t.Helper()
	item, ok := h.engine.Item(id)
	require.True(h.t, ok, "item %s missing", id)
	return item
}

func (h *harness) titles(scope tree.Scope) []string {
	var out []string
	for _, item := range h.engine.Children(scope) {
		out = append(out, item.Title)
	}
	return out
}

func (h *harness) hostTitles(externalID string) []string {
	h.t.Helper()
	children, err := h.host.Children(h.ctx, externalID)
	require.NoError(h.t, err)
	var out []string
	for _, child := range children {
		out = append(out, child.Title)
	}
	return out
}

var homeRoot = tree.Scope{GroupID: tree.HomeGroupID}

func assertContiguous(t *testing.T, items []tree.Item) {
	t.Helper()
	byScope := map[tree.Scope][]int{}
	for _, item := range items {
		byScope[item.Scope()] = append(byScope[item.Scope()], item.Position)
	}
	for scope, positions := range byScope {
		sort.Ints(positions)
		for i, p := range positions {
			assert.Equal(t, i, p, "scope %+v positions %v", scope, positions)
		}
	}
}

func assertCorrelationUnique(t *testing.T, items []tree.Item) {
	t.Helper()
	seen := map[string]string{}
	for _, item := range items {
		if item.ExternalID == "" {
			continue
		}
		if other, dup := seen[item.ExternalID]; dup {
			t.Fatalf("external id %s held by %s and %s", item.ExternalID, other, item.ID)
		}
		seen[item.ExternalID] = item.ID
	}
}
