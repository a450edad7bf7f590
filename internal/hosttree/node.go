package hosttree

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("node not found")
	ErrUnavailable = errors.New("host tree unavailable")
	ErrNotFolder   = errors.New("node is not a folder")
	ErrNotEmpty    = errors.New("folder is not empty")
	ErrReadOnly    = errors.New("node cannot be modified")
)

// Kind is the tagged variant of a host node. It is decided once, at the host
// boundary, so nothing downstream re-derives it from raw fields.
type Kind int

const (
	KindFolder Kind = iota
	KindShortcut
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindShortcut:
		return "shortcut"
	default:
		return "unknown"
	}
}

// KindOf classifies a raw host node by the presence of a URL.
func KindOf(url string) Kind {
	if url != "" {
		return KindShortcut
	}
	return KindFolder
}

// Node is one node of the externally owned tree. Children is only populated
// by Subtree.
type Node struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Index    int    `json:"index"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
	Kind     Kind   `json:"kind"`
	Children []Node `json:"children,omitempty"`
}

func (n Node) IsFolder() bool {
	return n.Kind == KindFolder
}

// Walk visits n and its descendants depth first, parents before children.
func (n Node) Walk(fn func(node Node, depth int)) {
	n.walk(fn, 0)
}

func (n Node) walk(fn func(node Node, depth int), depth int) {
	fn(n, depth)
	for _, child := range n.Children {
		child.walk(fn, depth+1)
	}
}

type CreateRequest struct {
	ParentID string `json:"parentId"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
	Index    *int   `json:"index,omitempty"`
}

type MoveRequest struct {
	ParentID string `json:"parentId,omitempty"`
	Index    *int   `json:"index,omitempty"`
}

type UpdateRequest struct {
	Title *string `json:"title,omitempty"`
	URL   *string `json:"url,omitempty"`
}

// EventKind enumerates the change notifications a host emits.
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventRemoved           EventKind = "removed"
	EventChanged           EventKind = "changed"
	EventMoved             EventKind = "moved"
	EventChildrenReordered EventKind = "childrenReordered"
)

// Event is a single host change notification.
//
// created: Node, ParentID, Index.
// removed: ParentID, Index (the whole subtree is gone).
// changed: Title, URL.
// moved: ParentID, Index, OldParentID, OldIndex.
// childrenReordered: ID is the parent, ChildIDs the new order.
type Event struct {
	Kind        EventKind `json:"kind"`
	ID          string    `json:"id"`
	Node        *Node     `json:"node,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	Index       int       `json:"index"`
	OldParentID string    `json:"oldParentId,omitempty"`
	OldIndex    int       `json:"oldIndex"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
	ChildIDs    []string  `json:"childIds,omitempty"`
}

// Handler receives host events in the order the host produced them.
type Handler func(Event)

// Host is the capability set of an externally owned bookmark tree.
type Host interface {
	Get(ctx context.Context, id string) (Node, error)
	Children(ctx context.Context, id string) ([]Node, error)
	Subtree(ctx context.Context, id string) (Node, error)
	Create(ctx context.Context, req CreateRequest) (Node, error)
	Move(ctx context.Context, id string, req MoveRequest) (Node, error)
	Update(ctx context.Context, id string, req UpdateRequest) (Node, error)
	Remove(ctx context.Context, id string) error
	RemoveSubtree(ctx context.Context, id string) error
	Subscribe(h Handler) (unsubscribe func())
}

// Chromium's fixed root ids.
const (
	RootID          = "0"
	BookmarksBarID  = "1"
	OtherFolderID   = "2"
	MobileFolderID  = "3"
	bookmarksBarTag = "Bookmarks bar"
)

// IntPtr is a convenience for the optional index fields.
func IntPtr(v int) *int {
	return &v
}

// StringPtr is a convenience for the optional update fields.
func StringPtr(v string) *string {
	return &v
}
