package marksync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/tree"
)

// maxAncestorWalk bounds the parent chain followed when classifying an event
// whose parent is neither a container nor a tracked folder.
const maxAncestorWalk = 64

type applyOutcome struct {
	result string
	lost   *Role
	pruned []tree.Item
}

// scopeInfo classifies a host parent id. When the parent itself is untracked
// but sits below a managed node, importRoot is the topmost untracked folder
// on that path and the event is handled by importing its whole subtree.
type scopeInfo struct {
	scope        tree.Scope
	ok           bool
	importRoot   string
	importScope  tree.Scope
	importParent string
}

// HandleEvent folds one host event into the local store. Events that arrive
// inside the write-lock window are dropped.
func (e *Engine) HandleEvent(ctx context.Context, ev hosttree.Event) {
	if e.lock.Locked() {
		eventsTotal.WithLabelValues(string(ev.Kind), resultLocked).Inc()
		e.logger.WithFields(logrus.Fields{"event": ev.Kind, "nodeId": ev.ID}).Debug("event dropped inside write window")
		return
	}

	e.mu.Lock()
	var out applyOutcome
	switch ev.Kind {
	case hosttree.EventCreated:
		out = e.applyCreatedLocked(ctx, ev)
	case hosttree.EventRemoved:
		out = e.applyRemovedLocked(ev)
	case hosttree.EventChanged:
		out = e.applyChangedLocked(ev)
	case hosttree.EventMoved:
		out = e.applyMovedLocked(ctx, ev)
	case hosttree.EventChildrenReordered:
		out = e.applyReorderedLocked(ev)
	default:
		out.result = resultOutOfScope
	}
	if out.result == resultApplied {
		out.pruned = e.store.PruneEmptyFolders()
	}
	e.mu.Unlock()

	eventsTotal.WithLabelValues(string(ev.Kind), out.result).Inc()
	if out.result != resultApplied {
		e.logger.WithFields(logrus.Fields{"event": ev.Kind, "nodeId": ev.ID, "result": out.result}).Debug("event not applied")
		return
	}
	if out.lost != nil {
		e.handleContainerLoss(ctx, *out.lost)
	}
	e.mirrorRemovals(ctx, "prune", out.pruned)
	e.flushPending(ctx)
	e.save()
}

func (e *Engine) handleContainerLoss(ctx context.Context, role Role) {
	e.logger.WithField("role", role.String()).Warn("managed container removed on host; rebuilding")
	e.resolver.Invalidate(role)
	var err error
	if role.Kind == RoleRoot {
		_, err = e.ResyncAll(ctx)
	} else {
		_, err = e.Resync(ctx, role)
	}
	if err != nil {
		e.logger.WithError(err).WithField("role", role.String()).Warn("rebuild after container loss failed")
	}
}

// directScopeLocked maps a container or tracked folder external id to the
// scope of its children. The workspace root holds only containers and has no
// item scope.
func (e *Engine) directScopeLocked(externalID string) (tree.Scope, bool) {
	if role, ok := e.resolver.ContainerRole(externalID); ok {
		groupID, hasGroup := role.Group()
		return tree.Scope{GroupID: groupID}, hasGroup
	}
	if item, ok := e.store.ByExternal(externalID); ok && item.IsFolder() {
		return tree.Scope{GroupID: item.GroupID, ParentID: item.ID}, true
	}
	return tree.Scope{}, false
}

func (e *Engine) scopeOfLocked(ctx context.Context, parentExt string) scopeInfo {
	if scope, ok := e.directScopeLocked(parentExt); ok {
		return scopeInfo{scope: scope, ok: true}
	}
	if _, isContainer := e.resolver.ContainerRole(parentExt); isContainer {
		return scopeInfo{}
	}
	node, ok := e.adapter.GetNode(ctx, parentExt)
	for steps := 0; ok && steps < maxAncestorWalk; steps++ {
		if scope, managed := e.directScopeLocked(node.ParentID); managed {
			return scopeInfo{ok: true, importRoot: node.ID, importScope: scope, importParent: node.ParentID}
		}
		if node.ParentID == "" {
			break
		}
		node, ok = e.adapter.GetNode(ctx, node.ParentID)
	}
	return scopeInfo{}
}

// importSubtreeLocked upserts node and its descendants under scope. Nodes
// that are already correlated are moved rather than duplicated.
func (e *Engine) importSubtreeLocked(node hosttree.Node, scope tree.Scope, index int) {
	var id string
	if existing, ok := e.store.ByExternal(node.ID); ok {
		id = existing.ID
		e.store.Move(id, scope, index)
		title, url := node.Title, node.URL
		e.store.SetPayload(id, &title, &url)
	} else {
		id = e.newID()
		e.store.Insert(itemFromNode(node, id, scope), index)
	}
	if !node.IsFolder() {
		return
	}
	inner := tree.Scope{GroupID: scope.GroupID, ParentID: id}
	for _, child := range node.Children {
		e.importSubtreeLocked(child, inner, child.Index)
	}
}

// refreshOrderLocked renumbers scope to the host's child order of parentExt.
// Local items the host does not list keep their relative order after the
// listed ones.
func (e *Engine) refreshOrderLocked(ctx context.Context, scope tree.Scope, parentExt string) {
	children := e.adapter.GetChildren(ctx, parentExt)
	ids := make([]string, 0, len(children))
	for _, child := range children {
		if item, ok := e.store.ByExternal(child.ID); ok && item.Scope() == scope {
			ids = append(ids, item.ID)
		}
	}
	e.store.Reorder(scope, ids)
}

func (e *Engine) importFromRootLocked(ctx context.Context, info scopeInfo) applyOutcome {
	node, ok := e.adapter.GetSubtree(ctx, info.importRoot)
	if !ok {
		return applyOutcome{result: resultOutOfScope}
	}
	e.importSubtreeLocked(node, info.importScope, node.Index)
	e.refreshOrderLocked(ctx, info.importScope, info.importParent)
	return applyOutcome{result: resultApplied}
}

func (e *Engine) applyCreatedLocked(ctx context.Context, ev hosttree.Event) applyOutcome {
	if _, ok := e.store.ByExternal(ev.ID); ok {
		return applyOutcome{result: resultTracked}
	}
	info := e.scopeOfLocked(ctx, ev.ParentID)
	if !info.ok {
		return applyOutcome{result: resultOutOfScope}
	}
	if info.importRoot != "" {
		return e.importFromRootLocked(ctx, info)
	}
	node, ok := e.adapter.GetSubtree(ctx, ev.ID)
	if !ok {
		return applyOutcome{result: resultOutOfScope}
	}
	e.importSubtreeLocked(node, info.scope, node.Index)
	e.refreshOrderLocked(ctx, info.scope, ev.ParentID)
	return applyOutcome{result: resultApplied}
}

func (e *Engine) applyRemovedLocked(ev hosttree.Event) applyOutcome {
	if role, ok := e.resolver.ContainerRole(ev.ID); ok {
		return applyOutcome{result: resultApplied, lost: &role}
	}
	item, ok := e.store.ByExternal(ev.ID)
	if !ok {
		return applyOutcome{result: resultOutOfScope}
	}
	e.store.Remove(item.ID)
	return applyOutcome{result: resultApplied}
}

func (e *Engine) applyChangedLocked(ev hosttree.Event) applyOutcome {
	item, ok := e.store.ByExternal(ev.ID)
	if !ok {
		return applyOutcome{result: resultOutOfScope}
	}
	title, url := ev.Title, ev.URL
	e.store.SetPayload(item.ID, &title, &url)
	return applyOutcome{result: resultApplied}
}

func (e *Engine) applyMovedLocked(ctx context.Context, ev hosttree.Event) applyOutcome {
	item, tracked := e.store.ByExternal(ev.ID)
	info := e.scopeOfLocked(ctx, ev.ParentID)
	switch {
	case !info.ok && tracked:
		e.store.Remove(item.ID)
		return applyOutcome{result: resultApplied}
	case !info.ok:
		return applyOutcome{result: resultOutOfScope}
	case info.importRoot != "":
		return e.importFromRootLocked(ctx, info)
	case !tracked:
		node, ok := e.adapter.GetSubtree(ctx, ev.ID)
		if !ok {
			return applyOutcome{result: resultOutOfScope}
		}
		e.importSubtreeLocked(node, info.scope, node.Index)
		e.refreshOrderLocked(ctx, info.scope, ev.ParentID)
		return applyOutcome{result: resultApplied}
	}

	index := ev.Index
	if node, ok := e.adapter.GetNode(ctx, ev.ID); ok {
		index = node.Index
		title, url := node.Title, node.URL
		e.store.SetPayload(item.ID, &title, &url)
	}
	oldScope := item.Scope()
	e.store.Move(item.ID, info.scope, index)
	e.refreshOrderLocked(ctx, info.scope, ev.ParentID)
	if oldScope != info.scope && ev.OldParentID != "" {
		e.refreshOrderLocked(ctx, oldScope, ev.OldParentID)
	}
	return applyOutcome{result: resultApplied}
}

func (e *Engine) applyReorderedLocked(ev hosttree.Event) applyOutcome {
	scope, ok := e.directScopeLocked(ev.ID)
	if !ok {
		return applyOutcome{result: resultOutOfScope}
	}
	ids := make([]string, 0, len(ev.ChildIDs))
	for _, childExt := range ev.ChildIDs {
		if item, ok := e.store.ByExternal(childExt); ok && item.Scope() == scope {
			ids = append(ids, item.ID)
		}
	}
	e.store.Reorder(scope, ids)
	return applyOutcome{result: resultApplied}
}
