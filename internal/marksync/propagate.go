package marksync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/tree"
)

// Everything in this file runs without e.mu held: host writes may deliver
// events synchronously and the event path takes e.mu itself. Failures are
// logged and counted, never returned; the next resync repairs the drift.

func (e *Engine) warnWrite(op string, item tree.Item, msg string) {
	e.logger.WithFields(logrus.Fields{
		"op":         op,
		"itemId":     item.ID,
		"externalId": item.ExternalID,
		"error":      msg,
	}).Warn("mirroring to host failed; left for next resync")
}

// containerID resolves, creating when missing, the container of groupID.
func (e *Engine) containerID(ctx context.Context, groupID string) (string, bool) {
	res, ok := e.resolver.Resolve(ctx, RoleForGroup(groupID), true)
	if !ok {
		return "", false
	}
	return res.ExternalID, true
}

// externalParent returns the host folder that items of scope live in. A
// parent folder that was never mirrored is mirrored first, together with any
// of its own missing ancestors.
func (e *Engine) externalParent(ctx context.Context, scope tree.Scope) (string, bool) {
	if scope.Root() {
		return e.containerID(ctx, scope.GroupID)
	}
	parent, ok := e.Item(scope.ParentID)
	if !ok {
		return "", false
	}
	if parent.ExternalID != "" {
		return parent.ExternalID, true
	}
	if !e.mirrorItem(ctx, parent.ID) {
		return "", false
	}
	parent, ok = e.Item(scope.ParentID)
	return parent.ExternalID, ok && parent.ExternalID != ""
}

// externalIndexLocked is the host index an item should take: the number of
// mirrored siblings ordered before it.
func (e *Engine) externalIndexLocked(item tree.Item) int {
	index := 0
	for _, sib := range e.store.Children(item.Scope()) {
		if sib.ID == item.ID {
			break
		}
		if sib.ExternalID != "" {
			index++
		}
	}
	return index
}

// mirrorItem creates the host node for a local item that has none yet and
// records the correlation. It reports whether the item ends up mirrored.
func (e *Engine) mirrorItem(ctx context.Context, id string) bool {
	e.mu.Lock()
	item, ok := e.store.Get(id)
	if !ok || !item.Mirrored() {
		e.mu.Unlock()
		return false
	}
	if item.ExternalID != "" {
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	parentExt, ok := e.externalParent(ctx, item.Scope())
	if !ok {
		externalWritesTotal.WithLabelValues("create", resultSkipped).Inc()
		return false
	}

	e.mu.Lock()
	item, ok = e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return false
	}
	index := e.externalIndexLocked(item)
	e.mu.Unlock()

	ctx, span := startWriteSpan(ctx, "create", id)
	defer span.End()
	req := hosttree.CreateRequest{ParentID: parentExt, Title: item.Title, Index: &index}
	if !item.IsFolder() {
		req.URL = item.URL
	}
	e.lock.Lock(e.cfg.LockSingle)
	node, ok := e.adapter.Create(ctx, req)
	recordWrite("create", ok)
	if !ok {
		e.warnWrite("create", item, "host rejected create")
		return false
	}

	e.mu.Lock()
	_, still := e.store.Get(id)
	var displaced []tree.Item
	if still {
		displaced = e.store.Correlate(id, node.ID)
	}
	e.mu.Unlock()
	if len(displaced) > 0 {
		e.logger.WithFields(logrus.Fields{"itemId": id, "externalId": node.ID}).Debug("dropped echo import of mirrored item")
	}
	if !still {
		// Removed locally while the create was in flight.
		e.removeExternal(ctx, "create", tree.Item{ID: id, ExternalID: node.ID})
		return false
	}
	return true
}

// mirrorSubtree mirrors id and every unmirrored descendant, parents first.
func (e *Engine) mirrorSubtree(ctx context.Context, id string) {
	if !e.mirrorItem(ctx, id) {
		return
	}
	item, ok := e.Item(id)
	if !ok || !item.IsFolder() {
		return
	}
	for _, child := range e.Children(tree.Scope{GroupID: item.GroupID, ParentID: item.ID}) {
		if child.ExternalID == "" {
			e.mirrorSubtree(ctx, child.ID)
		}
	}
}

// mirrorUpdate pushes title and url of a mirrored item. Unmirrored items are
// a no-op.
func (e *Engine) mirrorUpdate(ctx context.Context, item tree.Item, req hosttree.UpdateRequest) {
	if item.ExternalID == "" {
		externalWritesTotal.WithLabelValues("update", resultSkipped).Inc()
		return
	}
	ctx, span := startWriteSpan(ctx, "update", item.ID)
	defer span.End()
	e.lock.Lock(e.cfg.LockSingle)
	ok := e.adapter.Update(ctx, item.ExternalID, req)
	recordWrite("update", ok)
	if !ok {
		e.warnWrite("update", item, "host rejected update")
	}
}

// mirrorPlacement moves the given items, in order, to consecutive host
// indexes matching their local order inside scope. Unmirrored items are
// created instead. The write lock covers the whole batch.
func (e *Engine) mirrorPlacement(ctx context.Context, scope tree.Scope, ids []string) {
	if len(ids) == 0 {
		return
	}
	parentExt, ok := e.externalParent(ctx, scope)
	if !ok {
		externalWritesTotal.WithLabelValues("move", resultSkipped).Add(float64(len(ids)))
		return
	}
	ctx, span := startWriteSpan(ctx, "move", ids[0])
	defer span.End()
	e.lock.Lock(e.cfg.bulkLock(len(ids)))
	for _, id := range ids {
		e.mu.Lock()
		item, ok := e.store.Get(id)
		index := 0
		if ok {
			index = e.externalIndexLocked(item)
		}
		e.mu.Unlock()
		if !ok || !item.Mirrored() {
			continue
		}
		if item.ExternalID == "" {
			e.mirrorSubtree(ctx, id)
			continue
		}
		moved := e.adapter.Move(ctx, item.ExternalID, hosttree.MoveRequest{ParentID: parentExt, Index: &index})
		recordWrite("move", moved)
		if !moved {
			e.warnWrite("move", item, "host rejected move")
		}
	}
}

// removeExternal deletes the host node of item, falling back to a plain
// remove when the host rejects the subtree removal.
func (e *Engine) removeExternal(ctx context.Context, op string, item tree.Item) {
	if item.ExternalID == "" {
		return
	}
	ctx, span := startWriteSpan(ctx, "remove", item.ID)
	defer span.End()
	e.lock.Lock(e.cfg.LockSingle)
	ok := e.adapter.RemoveSubtree(ctx, item.ExternalID)
	if !ok {
		ok = e.adapter.Remove(ctx, item.ExternalID)
	}
	recordWrite("remove", ok)
	if !ok {
		e.warnWrite(op, item, "host rejected subtree and plain removal")
	}
}

// mirrorRemovals removes the host nodes of removed items. Only the topmost
// mirrored item of each removed subtree is written; its descendants go with
// it.
func (e *Engine) mirrorRemovals(ctx context.Context, op string, removed []tree.Item) {
	if len(removed) == 0 {
		return
	}
	if op == "prune" {
		prunedFoldersTotal.Add(float64(len(removed)))
	}
	byID := make(map[string]tree.Item, len(removed))
	for _, item := range removed {
		byID[item.ID] = item
	}
	for _, item := range removed {
		if hasMirroredAncestor(item, byID) {
			continue
		}
		e.removeExternal(ctx, op, item)
	}
}

func hasMirroredAncestor(item tree.Item, removed map[string]tree.Item) bool {
	seen := map[string]bool{}
	for parent, ok := removed[item.ParentID]; ok && !seen[parent.ID]; parent, ok = removed[parent.ParentID] {
		if parent.ExternalID != "" {
			return true
		}
		seen[parent.ID] = true
	}
	return false
}
