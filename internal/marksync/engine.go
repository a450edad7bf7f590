// Package marksync keeps a local bookmark item store and an externally owned
// bookmark tree in step. Local mutations are applied to the store first and
// then mirrored to the host on a best effort basis; host events are folded
// back into the store unless they land inside the engine's own write window.
package marksync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/state"
	"github.com/agentworkforce/marksync/internal/tree"
)

// Persistence is what the engine needs from the surrounding application:
// container bindings, the group directory and a place to save items.
type Persistence interface {
	KeyValue
	GroupDirectory
	Items() []tree.Item
	SaveItems(items []tree.Item) error
}

type Options struct {
	// Host is the external tree. Nil runs the engine in local-only mode.
	Host   hosttree.Host
	State  Persistence
	Config Config
	Logger logrus.FieldLogger
	// Now drives the write lock. Defaults to time.Now.
	Now func() time.Time
}

type Engine struct {
	cfg      Config
	logger   logrus.FieldLogger
	adapter  *hosttree.Adapter
	lock     *WriteLock
	resolver *Resolver
	persist  Persistence

	mu    sync.Mutex
	store *Store

	pendingMu sync.Mutex
	pending   []Role

	resyncFlight singleflight.Group

	runMu       sync.Mutex
	baseCtx     context.Context
	unsubscribe func()
	newID       func() string
}

func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	persist := opts.State
	if persist == nil {
		ws, err := state.OpenWorkspace(nil)
		if err != nil {
			return nil, err
		}
		persist = ws
	}
	cfg := opts.Config.withDefaults()
	lock := NewWriteLock(opts.Now)
	adapter := hosttree.NewAdapter(opts.Host, logger)
	e := &Engine{
		cfg:     cfg,
		logger:  logger.WithField("component", "engine"),
		adapter: adapter,
		lock:    lock,
		persist: persist,
		store:   NewStore(),
		baseCtx: context.Background(),
		newID:   uuid.NewString,
	}
	e.resolver = NewResolver(adapter, persist, persist, lock, ResolverConfig{
		WorkspaceTitle: cfg.WorkspaceTitle,
		HomeTitle:      cfg.HomeTitle,
		BarID:          cfg.BarID,
		LockDuration:   cfg.LockSingle,
	}, logger)
	e.resolver.onRebound = e.queueResync
	e.store.Load(persist.Items())
	return e, nil
}

// Start subscribes to host events and runs the initial bootstrap when a host
// is reachable. Events are handled with ctx until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	if e.unsubscribe != nil {
		e.runMu.Unlock()
		return fmt.Errorf("%w: engine already started", ErrInvalidInput)
	}
	e.baseCtx = ctx
	e.unsubscribe = e.adapter.Subscribe(func(ev hosttree.Event) {
		e.HandleEvent(e.eventContext(), ev)
	})
	e.runMu.Unlock()

	if !e.adapter.Available() {
		e.logger.Info("no host attached; running local-only")
		return nil
	}
	if _, err := e.ResyncAll(ctx); err != nil {
		e.logger.WithError(err).Warn("initial bootstrap failed; keeping local state")
	}
	return nil
}

func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) eventContext() context.Context {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.baseCtx
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) WriteLock() *WriteLock {
	return e.lock
}

func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// HostAvailable reports whether a host is attached.
func (e *Engine) HostAvailable() bool {
	return e.adapter.Available()
}

func (e *Engine) Item(id string) (tree.Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(id)
}

func (e *Engine) Children(scope tree.Scope) []tree.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Children(scope)
}

func (e *Engine) Items() []tree.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Items()
}

// Groups lists the home group followed by the directory's groups.
func (e *Engine) Groups() []tree.Group {
	home := tree.Group{ID: tree.HomeGroupID, Name: e.cfg.HomeTitle}
	home.ContainerID, _ = e.persist.Get(state.KeyHomeFolderID)
	return append([]tree.Group{home}, e.persist.ListGroups()...)
}

// AddGroup registers a new group and, when a host is attached, creates its
// container folder.
func (e *Engine) AddGroup(ctx context.Context, name string) (tree.Group, error) {
	if name == "" {
		return tree.Group{}, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	group := tree.Group{ID: e.newID(), Name: name}
	if err := e.persist.UpdateGroup(group); err != nil {
		return tree.Group{}, err
	}
	if res, ok := e.resolver.Resolve(ctx, GroupRole(group.ID), true); ok {
		group.ContainerID = res.ExternalID
	}
	e.flushPending(ctx)
	return group, nil
}

// RemoveGroup drops a group with all of its items and removes its container
// folder from the host. The home group cannot be removed.
func (e *Engine) RemoveGroup(ctx context.Context, groupID string) error {
	if groupID == tree.HomeGroupID {
		return fmt.Errorf("%w: the home group cannot be removed", ErrInvalidInput)
	}
	group, ok := e.persist.LookupGroup(groupID)
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}

	e.mu.Lock()
	var removed []tree.Item
	for _, child := range e.store.Children(tree.Scope{GroupID: groupID}) {
		removed = append(removed, e.store.Remove(child.ID)...)
	}
	e.mu.Unlock()
	if err := e.persist.RemoveGroup(groupID); err != nil {
		return err
	}
	e.save()

	if group.ContainerID != "" {
		// The container takes every mirrored item with it.
		e.removeExternal(ctx, "removeGroup", tree.Item{ID: groupID, Type: tree.TypeFolder, GroupID: groupID, ExternalID: group.ContainerID})
	}
	e.logger.WithFields(logrus.Fields{"groupId": groupID, "items": len(removed)}).Info("group removed")
	return nil
}

func (e *Engine) groupExists(groupID string) bool {
	if groupID == tree.HomeGroupID {
		return true
	}
	_, ok := e.persist.LookupGroup(groupID)
	return ok
}

// save writes the item snapshot. Failures are logged; the in-memory store
// stays authoritative.
func (e *Engine) save() {
	e.mu.Lock()
	items := e.store.Items()
	e.mu.Unlock()
	if err := e.persist.SaveItems(items); err != nil {
		e.logger.WithError(err).Warn("save item snapshot failed")
	}
}

// queueResync records a container that must be rebuilt once the current
// operation is done.
func (e *Engine) queueResync(role Role) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for _, r := range e.pending {
		if r == role {
			return
		}
	}
	e.pending = append(e.pending, role)
}

func (e *Engine) dequeueResync(role Role) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	kept := e.pending[:0]
	for _, r := range e.pending {
		if r != role {
			kept = append(kept, r)
		}
	}
	e.pending = kept
}

func (e *Engine) flushPending(ctx context.Context) {
	e.pendingMu.Lock()
	roles := e.pending
	e.pending = nil
	e.pendingMu.Unlock()
	if len(roles) == 0 {
		return
	}
	for _, role := range roles {
		if role.Kind == RoleRoot {
			if _, err := e.ResyncAll(ctx); err != nil {
				e.logger.WithError(err).Warn("resync after root loss failed")
			}
			return
		}
	}
	for _, role := range roles {
		if _, err := e.Resync(ctx, role); err != nil {
			e.logger.WithError(err).WithField("role", role.String()).Warn("resync after container loss failed")
		}
	}
}
