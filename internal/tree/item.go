package tree

import "sort"

// ItemType categorizes the nodes held in the local item store.
type ItemType string

const (
	TypeShortcut ItemType = "shortcut"
	TypeFolder   ItemType = "folder"
)

// HomeGroupID is the reserved group id of the default workspace partition.
const HomeGroupID = "home"

// Item is a local node. ParentID is empty when the item sits directly under
// its container root. ExternalID is empty until the item has been mirrored.
type Item struct {
	ID         string   `json:"id"`
	Type       ItemType `json:"type"`
	ParentID   string   `json:"parentId,omitempty"`
	GroupID    string   `json:"groupId"`
	Position   int      `json:"position"`
	ExternalID string   `json:"externalId,omitempty"`
	Title      string   `json:"title"`
	URL        string   `json:"url,omitempty"`
}

// IsFolder reports whether the item can hold children.
func (i Item) IsFolder() bool {
	return i.Type == TypeFolder
}

// Mirrored reports whether the item participates in external mirroring.
// Types other than shortcut and folder are opaque leaves.
func (i Item) Mirrored() bool {
	return i.Type == TypeShortcut || i.Type == TypeFolder
}

// Scope returns the sibling ordering domain of the item.
func (i Item) Scope() Scope {
	return Scope{GroupID: i.GroupID, ParentID: i.ParentID}
}

// Scope is the (group, parent) pair that defines one sibling ordering.
type Scope struct {
	GroupID  string `json:"groupId"`
	ParentID string `json:"parentId,omitempty"`
}

// Root reports whether the scope is the top level of its container.
func (s Scope) Root() bool {
	return s.ParentID == ""
}

// Group is a logical workspace partition. ContainerID is the external id of
// the folder that mirrors it.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContainerID string `json:"containerId,omitempty"`
}

// SortByPosition orders items by position, breaking ties by id so the order is
// stable across map iterations.
func SortByPosition(items []Item) {
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].Position != items[b].Position {
			return items[a].Position < items[b].Position
		}
		return items[a].ID < items[b].ID
	})
}
