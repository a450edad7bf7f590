package hosttree

type flatNode struct {
	node     Node
	children []string
}

func flatten(root Node) map[string]*flatNode {
	out := map[string]*flatNode{}
	root.Walk(func(node Node, _ int) {
		entry := &flatNode{node: node}
		entry.node.Children = nil
		for _, child := range node.Children {
			entry.children = append(entry.children, child.ID)
		}
		out[node.ID] = entry
	})
	return out
}

// Diff computes the host events that turn previous into next. Both arguments
// are full trees from the invisible root. Events come out as: created
// (parents first), moved, changed, removed (topmost only), childrenReordered.
func Diff(previous, next Node) []Event {
	before := flatten(previous)
	after := flatten(next)

	var created, moved, changed, removed, reordered []Event

	next.Walk(func(node Node, _ int) {
		prev, existed := before[node.ID]
		if !existed {
			n := after[node.ID].node
			created = append(created, Event{
				Kind:     EventCreated,
				ID:       node.ID,
				Node:     &n,
				ParentID: node.ParentID,
				Index:    node.Index,
			})
			return
		}
		if prev.node.ParentID != node.ParentID {
			moved = append(moved, Event{
				Kind:        EventMoved,
				ID:          node.ID,
				ParentID:    node.ParentID,
				Index:       node.Index,
				OldParentID: prev.node.ParentID,
				OldIndex:    prev.node.Index,
			})
		}
		if prev.node.Title != node.Title || prev.node.URL != node.URL {
			changed = append(changed, Event{Kind: EventChanged, ID: node.ID, Title: node.Title, URL: node.URL})
		}
	})

	previous.Walk(func(node Node, _ int) {
		if _, still := after[node.ID]; still {
			return
		}
		if _, parentGone := before[node.ParentID]; parentGone {
			if _, parentStill := after[node.ParentID]; !parentStill {
				return
			}
		}
		subtree := node
		removed = append(removed, Event{
			Kind:     EventRemoved,
			ID:       node.ID,
			Node:     &subtree,
			ParentID: node.ParentID,
			Index:    node.Index,
		})
	})

	next.Walk(func(node Node, _ int) {
		prev, existed := before[node.ID]
		if !existed || !node.IsFolder() {
			return
		}
		cur := after[node.ID]
		stayedBefore := keepStable(prev.children, node.ID, before, after)
		stayedAfter := keepStable(cur.children, node.ID, before, after)
		if !sameOrder(stayedBefore, stayedAfter) {
			reordered = append(reordered, Event{
				Kind:     EventChildrenReordered,
				ID:       node.ID,
				ChildIDs: append([]string(nil), cur.children...),
			})
		}
	})

	events := make([]Event, 0, len(created)+len(moved)+len(changed)+len(removed)+len(reordered))
	events = append(events, created...)
	events = append(events, moved...)
	events = append(events, changed...)
	events = append(events, removed...)
	events = append(events, reordered...)
	return events
}

// keepStable filters ids down to children that had parentID as parent both
// before and after.
func keepStable(ids []string, parentID string, before, after map[string]*flatNode) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		b, okBefore := before[id]
		a, okAfter := after[id]
		if !okBefore || !okAfter {
			continue
		}
		if b.node.ParentID != parentID || a.node.ParentID != parentID {
			continue
		}
		out = append(out, id)
	}
	return out
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
