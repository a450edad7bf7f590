package marksync

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/tree"
)

// NewItem describes an item to create. An empty GroupID with an empty
// ParentID means the home group; with a ParentID the group is taken from the
// parent. A nil Position appends.
type NewItem struct {
	Type     tree.ItemType `json:"type"`
	GroupID  string        `json:"groupId,omitempty"`
	ParentID string        `json:"parentId,omitempty"`
	Title    string        `json:"title"`
	URL      string        `json:"url,omitempty"`
	Position *int          `json:"position,omitempty"`
}

// ItemUpdate changes the payload of an item. Nil fields are left alone.
type ItemUpdate struct {
	Title *string `json:"title,omitempty"`
	URL   *string `json:"url,omitempty"`
}

// Destination is the target of a move. ParentID selects a folder; an empty
// ParentID selects the top level of GroupID (or of the item's current group
// when GroupID is empty too).
type Destination struct {
	GroupID  string `json:"groupId,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Position *int   `json:"position,omitempty"`
}

type FolderRemoveMode int

const (
	// KeepContents moves the folder's children into its parent scope at the
	// folder's former position before deleting the folder.
	KeepContents FolderRemoveMode = iota
	// RemoveAll deletes the folder and everything below it.
	RemoveAll
)

func positionOr(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// scopeForLocked validates a (group, parent) target and returns its scope.
func (e *Engine) scopeForLocked(groupID, parentID string) (tree.Scope, error) {
	if parentID != "" {
		parent, ok := e.store.Get(parentID)
		if !ok {
			return tree.Scope{}, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		if !parent.IsFolder() {
			return tree.Scope{}, fmt.Errorf("%w: parent %s is not a folder", ErrInvalidInput, parentID)
		}
		if groupID != "" && groupID != parent.GroupID {
			return tree.Scope{}, fmt.Errorf("%w: parent %s is not in group %s", ErrInvalidInput, parentID, groupID)
		}
		return tree.Scope{GroupID: parent.GroupID, ParentID: parentID}, nil
	}
	if groupID == "" {
		groupID = tree.HomeGroupID
	}
	if !e.groupExists(groupID) {
		return tree.Scope{}, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	return tree.Scope{GroupID: groupID}, nil
}

// checkDepthLocked rejects placing a subtree of height h under scope.
func (e *Engine) checkDepthLocked(scope tree.Scope, height int) error {
	target := e.store.ScopeDepth(scope)
	if target+1+height > e.cfg.DepthCeiling {
		return fmt.Errorf("%w: depth %d + 1 + height %d > %d", ErrDepthExceeded, target, height, e.cfg.DepthCeiling)
	}
	return nil
}

// CreateItem adds a shortcut or folder and mirrors it to the host.
func (e *Engine) CreateItem(ctx context.Context, in NewItem) (string, error) {
	switch in.Type {
	case tree.TypeShortcut:
		if strings.TrimSpace(in.URL) == "" {
			return "", fmt.Errorf("%w: shortcut needs a url", ErrInvalidInput)
		}
	case tree.TypeFolder:
		if in.URL != "" {
			return "", fmt.Errorf("%w: folders have no url", ErrInvalidInput)
		}
	case "":
		return "", fmt.Errorf("%w: item type is required", ErrInvalidInput)
	}

	e.mu.Lock()
	scope, err := e.scopeForLocked(in.GroupID, in.ParentID)
	if err == nil {
		err = e.checkDepthLocked(scope, 0)
	}
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	item := tree.Item{
		ID:       e.newID(),
		Type:     in.Type,
		ParentID: scope.ParentID,
		GroupID:  scope.GroupID,
		Title:    in.Title,
		URL:      in.URL,
	}
	e.store.Insert(item, positionOr(in.Position))
	e.mu.Unlock()

	e.mirrorItem(ctx, item.ID)
	e.flushPending(ctx)
	e.save()
	return item.ID, nil
}

// UpdateItem changes title and url in place.
func (e *Engine) UpdateItem(ctx context.Context, id string, upd ItemUpdate) error {
	e.mu.Lock()
	item, ok := e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if upd.URL != nil && item.IsFolder() {
		e.mu.Unlock()
		return fmt.Errorf("%w: folders have no url", ErrInvalidInput)
	}
	changed := e.store.SetPayload(id, upd.Title, upd.URL)
	item, _ = e.store.Get(id)
	e.mu.Unlock()

	if !changed {
		return nil
	}
	if item.Mirrored() {
		e.mirrorUpdate(ctx, item, hosttree.UpdateRequest{Title: upd.Title, URL: upd.URL})
	}
	e.save()
	return nil
}

// RemoveItem deletes an item. Folders go with everything below them.
func (e *Engine) RemoveItem(ctx context.Context, id string) error {
	e.mu.Lock()
	item, ok := e.store.Get(id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.IsFolder() {
		return e.RemoveFolder(ctx, id, RemoveAll)
	}

	e.mu.Lock()
	removed := e.store.Remove(id)
	pruned := e.store.PruneEmptyFolders()
	e.mu.Unlock()

	e.mirrorRemovals(ctx, "remove", removed)
	e.mirrorRemovals(ctx, "prune", pruned)
	e.save()
	return nil
}

// RemoveFolder deletes a folder, either flattening its children into the
// parent scope or removing them too.
func (e *Engine) RemoveFolder(ctx context.Context, id string, mode FolderRemoveMode) error {
	e.mu.Lock()
	folder, ok := e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !folder.IsFolder() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is not a folder", ErrInvalidInput, id)
	}

	var lifted []string
	if mode == KeepContents {
		parentScope := folder.Scope()
		at := folder.Position
		for i, child := range e.store.Children(tree.Scope{GroupID: folder.GroupID, ParentID: folder.ID}) {
			e.store.Move(child.ID, parentScope, at+i)
			lifted = append(lifted, child.ID)
		}
	}
	removed := e.store.Remove(id)
	pruned := e.store.PruneEmptyFolders()
	e.mu.Unlock()

	// Children leave the folder on the host before it is deleted, otherwise
	// the subtree removal would take them along.
	e.mirrorPlacement(ctx, folder.Scope(), lifted)
	e.mirrorRemovals(ctx, "removeFolder", removed)
	e.mirrorRemovals(ctx, "prune", pruned)
	e.flushPending(ctx)
	e.save()
	return nil
}

// MoveItem moves an item into a folder or to the top level of a group. The
// move is refused, with nothing changed, when it would create a cycle or
// break the depth ceiling.
func (e *Engine) MoveItem(ctx context.Context, id string, dst Destination) error {
	e.mu.Lock()
	item, ok := e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	groupID := dst.GroupID
	if groupID == "" && dst.ParentID == "" {
		groupID = item.GroupID
	}
	if dst.ParentID == id || (dst.ParentID != "" && e.store.IsDescendant(dst.ParentID, id)) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCycle, id)
	}
	scope, err := e.scopeForLocked(groupID, dst.ParentID)
	if err == nil {
		err = e.checkDepthLocked(scope, e.store.Height(id))
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.store.Move(id, scope, positionOr(dst.Position))
	pruned := e.store.PruneEmptyFolders()
	e.mu.Unlock()

	e.mirrorPlacement(ctx, scope, []string{id})
	e.mirrorRemovals(ctx, "prune", pruned)
	e.flushPending(ctx)
	e.save()
	return nil
}

// Reorder puts ids first in the given order; the other items of scope follow
// in their previous relative order.
func (e *Engine) Reorder(ctx context.Context, scope tree.Scope, ids []string) error {
	e.mu.Lock()
	if scope.GroupID == "" {
		scope.GroupID = tree.HomeGroupID
		if scope.ParentID != "" {
			if parent, ok := e.store.Get(scope.ParentID); ok {
				scope.GroupID = parent.GroupID
			}
		}
	}
	if _, err := e.scopeForLocked(scope.GroupID, scope.ParentID); err != nil {
		e.mu.Unlock()
		return err
	}
	for _, id := range ids {
		item, ok := e.store.Get(id)
		if !ok {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if item.Scope() != scope {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s is not in the given scope", ErrInvalidInput, id)
		}
	}
	e.store.Reorder(scope, ids)
	var order []string
	for _, child := range e.store.Children(scope) {
		order = append(order, child.ID)
	}
	e.mu.Unlock()

	e.mirrorPlacement(ctx, scope, order)
	e.flushPending(ctx)
	e.save()
	return nil
}

// MergeFolders appends the children of source to target, keeping their
// order, and deletes source.
func (e *Engine) MergeFolders(ctx context.Context, sourceID, targetID string) error {
	if sourceID == targetID {
		return fmt.Errorf("%w: cannot merge a folder into itself", ErrInvalidInput)
	}
	e.mu.Lock()
	source, okS := e.store.Get(sourceID)
	target, okT := e.store.Get(targetID)
	switch {
	case !okS:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	case !okT:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, targetID)
	case !source.IsFolder() || !target.IsFolder():
		e.mu.Unlock()
		return fmt.Errorf("%w: merge needs two folders", ErrInvalidInput)
	case e.store.IsDescendant(targetID, sourceID):
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is inside %s", ErrCycle, targetID, sourceID)
	}
	targetScope := tree.Scope{GroupID: target.GroupID, ParentID: target.ID}
	children := e.store.Children(tree.Scope{GroupID: source.GroupID, ParentID: source.ID})
	for _, child := range children {
		if err := e.checkDepthLocked(targetScope, e.store.Height(child.ID)); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	moved := make([]string, 0, len(children))
	for _, child := range children {
		e.store.Move(child.ID, targetScope, -1)
		moved = append(moved, child.ID)
	}
	removed := e.store.Remove(sourceID)
	pruned := e.store.PruneEmptyFolders()
	e.mu.Unlock()

	e.mirrorPlacement(ctx, targetScope, moved)
	e.mirrorRemovals(ctx, "merge", removed)
	e.mirrorRemovals(ctx, "prune", pruned)
	e.flushPending(ctx)
	e.save()
	return nil
}

// CreateFolderFromItems wraps two leaf items in a new folder that takes the
// target's place. The folder's children are [target, dragged].
func (e *Engine) CreateFolderFromItems(ctx context.Context, targetID, draggedID, title string) (string, error) {
	if targetID == draggedID {
		return "", fmt.Errorf("%w: need two distinct items", ErrInvalidInput)
	}
	if strings.TrimSpace(title) == "" {
		title = defaultFolderTitle
	}
	e.mu.Lock()
	target, okT := e.store.Get(targetID)
	dragged, okD := e.store.Get(draggedID)
	switch {
	case !okT:
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, targetID)
	case !okD:
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, draggedID)
	case target.IsFolder() || dragged.IsFolder():
		e.mu.Unlock()
		return "", fmt.Errorf("%w: only leaf items can be combined into a folder", ErrInvalidInput)
	}
	scope := target.Scope()
	if err := e.checkDepthLocked(scope, 1); err != nil {
		e.mu.Unlock()
		return "", err
	}
	folder := tree.Item{
		ID:       e.newID(),
		Type:     tree.TypeFolder,
		ParentID: scope.ParentID,
		GroupID:  scope.GroupID,
		Title:    title,
	}
	e.store.Insert(folder, target.Position)
	inner := tree.Scope{GroupID: scope.GroupID, ParentID: folder.ID}
	e.store.Move(targetID, inner, 0)
	e.store.Move(draggedID, inner, 1)
	pruned := e.store.PruneEmptyFolders()
	e.mu.Unlock()

	e.mirrorItem(ctx, folder.ID)
	e.mirrorPlacement(ctx, inner, []string{targetID, draggedID})
	e.mirrorRemovals(ctx, "prune", pruned)
	e.flushPending(ctx)
	e.save()
	return folder.ID, nil
}
