package marksync

import (
	"sort"

	"github.com/agentworkforce/marksync/internal/tree"
)

// Store is the local item store. It owns the two-way correlation between
// local ids and external ids and keeps sibling positions contiguous inside
// every scope it touches. Store is not safe for concurrent use; the engine
// serializes access.
type Store struct {
	items      map[string]*tree.Item
	byExternal map[string]string
}

func NewStore() *Store {
	return &Store{
		items:      map[string]*tree.Item{},
		byExternal: map[string]string{},
	}
}

func (s *Store) Len() int {
	return len(s.items)
}

func (s *Store) Get(id string) (tree.Item, bool) {
	item, ok := s.items[id]
	if !ok {
		return tree.Item{}, false
	}
	return *item, true
}

func (s *Store) ByExternal(externalID string) (tree.Item, bool) {
	if externalID == "" {
		return tree.Item{}, false
	}
	id, ok := s.byExternal[externalID]
	if !ok {
		return tree.Item{}, false
	}
	return s.Get(id)
}

// Children returns the items of scope ordered by position.
func (s *Store) Children(scope tree.Scope) []tree.Item {
	var out []tree.Item
	for _, item := range s.items {
		if item.GroupID == scope.GroupID && item.ParentID == scope.ParentID {
			out = append(out, *item)
		}
	}
	tree.SortByPosition(out)
	return out
}

// Items returns every item ordered by group, parent and position.
func (s *Store) Items() []tree.Item {
	out := make([]tree.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].GroupID != out[b].GroupID {
			return out[a].GroupID < out[b].GroupID
		}
		if out[a].ParentID != out[b].ParentID {
			return out[a].ParentID < out[b].ParentID
		}
		if out[a].Position != out[b].Position {
			return out[a].Position < out[b].Position
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Load replaces the whole store. Positions are renumbered per scope.
func (s *Store) Load(items []tree.Item) {
	s.items = map[string]*tree.Item{}
	s.byExternal = map[string]string{}
	scopes := map[tree.Scope]struct{}{}
	for _, item := range items {
		s.put(item)
		scopes[item.Scope()] = struct{}{}
	}
	for scope := range scopes {
		s.Renumber(scope)
	}
}

func (s *Store) put(item tree.Item) {
	copyItem := item
	s.items[item.ID] = &copyItem
	if item.ExternalID != "" {
		s.byExternal[item.ExternalID] = item.ID
	}
}

// Insert places item in its scope at position. A negative or out of range
// position appends.
func (s *Store) Insert(item tree.Item, position int) {
	siblings := s.Children(item.Scope())
	if position < 0 || position > len(siblings) {
		position = len(siblings)
	}
	s.put(item)
	s.place(item.ID, siblings, position)
}

// place writes contiguous positions for siblings with id spliced in at index.
func (s *Store) place(id string, siblings []tree.Item, index int) {
	order := make([]string, 0, len(siblings)+1)
	for _, sib := range siblings {
		if sib.ID != id {
			order = append(order, sib.ID)
		}
	}
	if index > len(order) {
		index = len(order)
	}
	order = append(order, "")
	copy(order[index+1:], order[index:])
	order[index] = id
	for pos, sibID := range order {
		s.items[sibID].Position = pos
	}
}

// Renumber rewrites the positions of scope to 0..n-1 keeping relative order.
func (s *Store) Renumber(scope tree.Scope) {
	for pos, sib := range s.Children(scope) {
		s.items[sib.ID].Position = pos
	}
}

// Descendants returns the transitive closure of id over ParentID, parents
// before children. id itself is not included.
func (s *Store) Descendants(id string) []string {
	children := s.adjacency()
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// IsDescendant reports whether candidate sits somewhere below ancestor.
func (s *Store) IsDescendant(candidate, ancestor string) bool {
	seen := map[string]bool{}
	for cur, ok := s.items[candidate]; ok && cur.ParentID != ""; cur, ok = s.items[cur.ParentID] {
		if cur.ParentID == ancestor {
			return true
		}
		if seen[cur.ParentID] {
			return false
		}
		seen[cur.ParentID] = true
	}
	return false
}

func (s *Store) adjacency() map[string][]string {
	children := map[string][]string{}
	for _, item := range s.items {
		if item.ParentID != "" {
			children[item.ParentID] = append(children[item.ParentID], item.ID)
		}
	}
	for parent := range children {
		sort.Strings(children[parent])
	}
	return children
}

// Remove deletes id and all of its descendants and renumbers the scope it
// left. The removed items are returned with id first.
func (s *Store) Remove(id string) []tree.Item {
	item, ok := s.items[id]
	if !ok {
		return nil
	}
	scope := item.Scope()
	ids := append([]string{id}, s.Descendants(id)...)
	removed := make([]tree.Item, 0, len(ids))
	for _, rid := range ids {
		cur := s.items[rid]
		removed = append(removed, *cur)
		if cur.ExternalID != "" && s.byExternal[cur.ExternalID] == rid {
			delete(s.byExternal, cur.ExternalID)
		}
		delete(s.items, rid)
	}
	s.Renumber(scope)
	return removed
}

// Move reparents id into scope at position and renumbers both the old and
// new scope. Descendants follow the item into the new group.
func (s *Store) Move(id string, scope tree.Scope, position int) bool {
	item, ok := s.items[id]
	if !ok {
		return false
	}
	old := item.Scope()
	siblings := s.Children(scope)
	if old != scope {
		item.GroupID = scope.GroupID
		item.ParentID = scope.ParentID
		for _, did := range s.Descendants(id) {
			s.items[did].GroupID = scope.GroupID
		}
		s.Renumber(old)
	} else {
		filtered := siblings[:0]
		for _, sib := range siblings {
			if sib.ID != id {
				filtered = append(filtered, sib)
			}
		}
		siblings = filtered
	}
	if position < 0 || position > len(siblings) {
		position = len(siblings)
	}
	s.place(id, siblings, position)
	return true
}

// SetPayload updates title and url in place. A nil pointer leaves the field
// unchanged. It reports whether anything changed.
func (s *Store) SetPayload(id string, title, url *string) bool {
	item, ok := s.items[id]
	if !ok {
		return false
	}
	changed := false
	if title != nil && item.Title != *title {
		item.Title = *title
		changed = true
	}
	if url != nil && !item.IsFolder() && item.URL != *url {
		item.URL = *url
		changed = true
	}
	return changed
}

// Correlate binds id to externalID. Any other item already holding that
// external id is removed with its descendants and returned, since at most one
// item may map to a given external node.
func (s *Store) Correlate(id, externalID string) []tree.Item {
	item, ok := s.items[id]
	if !ok || externalID == "" {
		return nil
	}
	var displaced []tree.Item
	if other, exists := s.byExternal[externalID]; exists && other != id {
		displaced = s.Remove(other)
	}
	if item.ExternalID != "" && s.byExternal[item.ExternalID] == id {
		delete(s.byExternal, item.ExternalID)
	}
	item.ExternalID = externalID
	s.byExternal[externalID] = id
	return displaced
}

func (s *Store) Uncorrelate(id string) {
	item, ok := s.items[id]
	if !ok || item.ExternalID == "" {
		return
	}
	if s.byExternal[item.ExternalID] == id {
		delete(s.byExternal, item.ExternalID)
	}
	item.ExternalID = ""
}

// Reorder puts ids first, in the given order, followed by the remaining
// siblings of scope in their previous relative order. Ids outside scope are
// ignored.
func (s *Store) Reorder(scope tree.Scope, ids []string) {
	siblings := s.Children(scope)
	inScope := make(map[string]bool, len(siblings))
	for _, sib := range siblings {
		inScope[sib.ID] = true
	}
	pos := 0
	placed := map[string]bool{}
	for _, id := range ids {
		if !inScope[id] || placed[id] {
			continue
		}
		s.items[id].Position = pos
		placed[id] = true
		pos++
	}
	for _, sib := range siblings {
		if placed[sib.ID] {
			continue
		}
		s.items[sib.ID].Position = pos
		pos++
	}
}

// Depth is the nesting depth of id. Items directly under a container root
// are at depth 1; the container itself is depth 0.
func (s *Store) Depth(id string) int {
	depth := 0
	seen := map[string]bool{}
	for cur, ok := s.items[id]; ok; cur, ok = s.items[cur.ParentID] {
		if seen[cur.ID] {
			break
		}
		seen[cur.ID] = true
		depth++
		if cur.ParentID == "" {
			break
		}
	}
	return depth
}

// ScopeDepth is the depth of the node that owns scope.
func (s *Store) ScopeDepth(scope tree.Scope) int {
	if scope.Root() {
		return 0
	}
	return s.Depth(scope.ParentID)
}

// Height is the number of levels below id: 0 for a leaf or an empty folder.
func (s *Store) Height(id string) int {
	children := s.adjacency()
	var height func(string, int) int
	height = func(cur string, guard int) int {
		if guard > len(s.items) {
			return 0
		}
		best := 0
		for _, child := range children[cur] {
			if h := 1 + height(child, guard+1); h > best {
				best = h
			}
		}
		return best
	}
	return height(id, 0)
}

// protected reports whether an empty folder may stay. Only home-group
// top-level folders qualify.
func protected(item *tree.Item) bool {
	return item.GroupID == tree.HomeGroupID && item.ParentID == ""
}

// PruneEmptyFolders removes empty non-protected folders until none are left.
// Each pass rebuilds the parent to child index once; the loop ends on the
// first pass that removes nothing. Removed folders are returned in removal
// order.
func (s *Store) PruneEmptyFolders() []tree.Item {
	var pruned []tree.Item
	for {
		counts := map[string]int{}
		for _, item := range s.items {
			if item.ParentID != "" {
				counts[item.ParentID]++
			}
		}
		var candidates []string
		for id, item := range s.items {
			if item.IsFolder() && counts[id] == 0 && !protected(item) {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) == 0 {
			return pruned
		}
		sort.Strings(candidates)
		for _, id := range candidates {
			pruned = append(pruned, s.Remove(id)...)
		}
	}
}

// ReplaceGroup drops every item of groupID and loads items in its place.
func (s *Store) ReplaceGroup(groupID string, items []tree.Item) {
	for id, item := range s.items {
		if item.GroupID != groupID {
			continue
		}
		if item.ExternalID != "" && s.byExternal[item.ExternalID] == id {
			delete(s.byExternal, item.ExternalID)
		}
		delete(s.items, id)
	}
	scopes := map[tree.Scope]struct{}{}
	for _, item := range items {
		item.GroupID = groupID
		if other, ok := s.byExternal[item.ExternalID]; ok && item.ExternalID != "" {
			s.Remove(other)
		}
		s.put(item)
		scopes[item.Scope()] = struct{}{}
	}
	for scope := range scopes {
		s.Renumber(scope)
	}
}
