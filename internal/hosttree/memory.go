package hosttree

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

type memNode struct {
	id       string
	parent   string
	title    string
	url      string
	kind     Kind
	children []string
}

// MemoryHost is an in-process Host with Chromium's root layout. It emits
// events synchronously, after its own lock is released, in mutation order.
type MemoryHost struct {
	mu          sync.Mutex
	nodes       map[string]*memNode
	nextID      int
	handlers    map[int]Handler
	nextHandler int
	writes      int
	failures    map[string]error
}

func NewMemoryHost() *MemoryHost {
	h := &MemoryHost{
		handlers: map[int]Handler{},
		failures: map[string]error{},
	}
	h.resetLocked()
	return h
}

func (h *MemoryHost) resetLocked() {
	h.nodes = map[string]*memNode{
		RootID:         {id: RootID, kind: KindFolder, children: []string{BookmarksBarID, OtherFolderID}},
		BookmarksBarID: {id: BookmarksBarID, parent: RootID, title: bookmarksBarTag, kind: KindFolder},
		OtherFolderID:  {id: OtherFolderID, parent: RootID, title: "Other bookmarks", kind: KindFolder},
	}
	h.nextID = 4
}

// FailNext makes the next call of op ("get", "create", "move", "update",
// "remove", "removeSubtree") return err.
func (h *MemoryHost) FailNext(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = err
}

// Writes reports how many write calls succeeded.
func (h *MemoryHost) Writes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

func (h *MemoryHost) Get(ctx context.Context, id string) (Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.takeFailureLocked("get"); err != nil {
		return Node{}, err
	}
	n, ok := h.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.nodeLocked(n), nil
}

func (h *MemoryHost) Children(ctx context.Context, id string) ([]Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]Node, 0, len(n.children))
	for _, childID := range n.children {
		out = append(out, h.nodeLocked(h.nodes[childID]))
	}
	return out, nil
}

func (h *MemoryHost) Subtree(ctx context.Context, id string) (Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.subtreeLocked(n), nil
}

// Snapshot returns the whole tree from the invisible root.
func (h *MemoryHost) Snapshot() Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subtreeLocked(h.nodes[RootID])
}

func (h *MemoryHost) Create(ctx context.Context, req CreateRequest) (Node, error) {
	h.mu.Lock()
	if err := h.takeFailureLocked("create"); err != nil {
		h.mu.Unlock()
		return Node{}, err
	}
	parent, ok := h.nodes[req.ParentID]
	if !ok {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: parent %s", ErrNotFound, req.ParentID)
	}
	if parent.kind != KindFolder {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: %s", ErrNotFolder, req.ParentID)
	}
	if req.ParentID == RootID {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: root", ErrReadOnly)
	}
	n := &memNode{
		id:     strconv.Itoa(h.nextID),
		parent: parent.id,
		title:  req.Title,
		url:    req.URL,
		kind:   KindOf(req.URL),
	}
	h.nextID++
	h.nodes[n.id] = n
	index := insertAt(&parent.children, n.id, req.Index)
	h.writes++
	node := h.nodeLocked(n)
	h.mu.Unlock()

	created := node
	h.dispatch(Event{Kind: EventCreated, ID: node.ID, Node: &created, ParentID: node.ParentID, Index: index})
	return node, nil
}

func (h *MemoryHost) Move(ctx context.Context, id string, req MoveRequest) (Node, error) {
	h.mu.Lock()
	if err := h.takeFailureLocked("move"); err != nil {
		h.mu.Unlock()
		return Node{}, err
	}
	n, ok := h.nodes[id]
	if !ok {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if isFixedRoot(id) {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	parentID := req.ParentID
	if parentID == "" {
		parentID = n.parent
	}
	parent, ok := h.nodes[parentID]
	if !ok {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
	}
	if parent.kind != KindFolder || parentID == RootID {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: %s", ErrNotFolder, parentID)
	}
	for cur := parentID; cur != ""; cur = h.nodes[cur].parent {
		if cur == id {
			h.mu.Unlock()
			return Node{}, fmt.Errorf("cannot move %s into its own subtree", id)
		}
	}
	oldParent := h.nodes[n.parent]
	oldIndex := removeFrom(&oldParent.children, id)
	n.parent = parentID
	index := insertAt(&parent.children, id, req.Index)
	h.writes++
	node := h.nodeLocked(n)
	h.mu.Unlock()

	h.dispatch(Event{
		Kind:        EventMoved,
		ID:          id,
		ParentID:    parentID,
		Index:       index,
		OldParentID: oldParent.id,
		OldIndex:    oldIndex,
	})
	return node, nil
}

func (h *MemoryHost) Update(ctx context.Context, id string, req UpdateRequest) (Node, error) {
	h.mu.Lock()
	if err := h.takeFailureLocked("update"); err != nil {
		h.mu.Unlock()
		return Node{}, err
	}
	n, ok := h.nodes[id]
	if !ok {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if isFixedRoot(id) {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	if req.URL != nil && n.kind == KindFolder {
		h.mu.Unlock()
		return Node{}, fmt.Errorf("cannot set url on folder %s", id)
	}
	if req.Title != nil {
		n.title = *req.Title
	}
	if req.URL != nil {
		n.url = *req.URL
	}
	h.writes++
	node := h.nodeLocked(n)
	h.mu.Unlock()

	h.dispatch(Event{Kind: EventChanged, ID: id, Title: node.Title, URL: node.URL})
	return node, nil
}

func (h *MemoryHost) Remove(ctx context.Context, id string) error {
	return h.remove(id, false)
}

func (h *MemoryHost) RemoveSubtree(ctx context.Context, id string) error {
	return h.remove(id, true)
}

func (h *MemoryHost) remove(id string, recursive bool) error {
	op := "remove"
	if recursive {
		op = "removeSubtree"
	}
	h.mu.Lock()
	if err := h.takeFailureLocked(op); err != nil {
		h.mu.Unlock()
		return err
	}
	n, ok := h.nodes[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if isFixedRoot(id) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	if !recursive && len(n.children) > 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotEmpty, id)
	}
	removed := h.subtreeLocked(n)
	parent := h.nodes[n.parent]
	index := removeFrom(&parent.children, id)
	removed.Walk(func(node Node, _ int) {
		delete(h.nodes, node.ID)
	})
	h.writes++
	h.mu.Unlock()

	h.dispatch(Event{Kind: EventRemoved, ID: id, Node: &removed, ParentID: parent.id, Index: index})
	return nil
}

// Reorder rearranges the children of parentID. Ids missing from order keep
// their relative order after the listed ones.
func (h *MemoryHost) Reorder(parentID string, order []string) error {
	h.mu.Lock()
	parent, ok := h.nodes[parentID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, parentID)
	}
	seen := map[string]bool{}
	next := make([]string, 0, len(parent.children))
	current := map[string]bool{}
	for _, childID := range parent.children {
		current[childID] = true
	}
	for _, childID := range order {
		if current[childID] && !seen[childID] {
			next = append(next, childID)
			seen[childID] = true
		}
	}
	for _, childID := range parent.children {
		if !seen[childID] {
			next = append(next, childID)
		}
	}
	parent.children = next
	ids := append([]string(nil), next...)
	h.mu.Unlock()

	h.dispatch(Event{Kind: EventChildrenReordered, ID: parentID, ChildIDs: ids})
	return nil
}

// Replace swaps the whole tree for root, dispatching the events that turn the
// previous tree into the new one. Root must be the invisible root node.
func (h *MemoryHost) Replace(root Node) []Event {
	h.mu.Lock()
	previous := h.subtreeLocked(h.nodes[RootID])
	h.loadLocked(root)
	h.mu.Unlock()

	events := Diff(previous, root)
	h.dispatch(events...)
	return events
}

// Load swaps the whole tree for root without emitting events.
func (h *MemoryHost) Load(root Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadLocked(root)
}

func (h *MemoryHost) loadLocked(root Node) {
	h.nodes = map[string]*memNode{}
	maxID := 3
	var add func(node Node, parent string)
	add = func(node Node, parent string) {
		n := &memNode{id: node.ID, parent: parent, title: node.Title, url: node.URL, kind: node.Kind}
		h.nodes[node.ID] = n
		if v, err := strconv.Atoi(node.ID); err == nil && v > maxID {
			maxID = v
		}
		for _, child := range node.Children {
			n.children = append(n.children, child.ID)
			add(child, node.ID)
		}
	}
	add(root, "")
	h.nextID = maxID + 1
}

func (h *MemoryHost) Subscribe(handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.nextHandler
	h.nextHandler++
	h.handlers[key] = handler
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.handlers, key)
		})
	}
}

// Emit delivers ev to subscribers as if the host had produced it.
func (h *MemoryHost) Emit(ev Event) {
	h.dispatch(ev)
}

func (h *MemoryHost) dispatch(events ...Event) {
	h.mu.Lock()
	keys := make([]int, 0, len(h.handlers))
	for key := range h.handlers {
		keys = append(keys, key)
	}
	handlers := make([]Handler, 0, len(keys))
	sort.Ints(keys)
	for _, key := range keys {
		handlers = append(handlers, h.handlers[key])
	}
	h.mu.Unlock()
	for _, ev := range events {
		for _, handler := range handlers {
			handler(ev)
		}
	}
}

func (h *MemoryHost) takeFailureLocked(op string) error {
	err, ok := h.failures[op]
	if !ok {
		return nil
	}
	delete(h.failures, op)
	return err
}

func (h *MemoryHost) nodeLocked(n *memNode) Node {
	node := Node{ID: n.id, ParentID: n.parent, Title: n.title, URL: n.url, Kind: n.kind}
	if parent, ok := h.nodes[n.parent]; ok {
		node.Index = indexOf(parent.children, n.id)
	}
	return node
}

func (h *MemoryHost) subtreeLocked(n *memNode) Node {
	node := h.nodeLocked(n)
	for _, childID := range n.children {
		node.Children = append(node.Children, h.subtreeLocked(h.nodes[childID]))
	}
	return node
}

func isFixedRoot(id string) bool {
	return id == RootID || id == BookmarksBarID || id == OtherFolderID || id == MobileFolderID
}

func insertAt(list *[]string, id string, index *int) int {
	at := len(*list)
	if index != nil && *index >= 0 && *index < at {
		at = *index
	}
	*list = append(*list, "")
	copy((*list)[at+1:], (*list)[at:])
	(*list)[at] = id
	return at
}

func removeFrom(list *[]string, id string) int {
	at := indexOf(*list, id)
	if at < 0 {
		return -1
	}
	*list = append((*list)[:at], (*list)[at+1:]...)
	return at
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

