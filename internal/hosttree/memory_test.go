package hosttree

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordEvents(h *MemoryHost) *[]Event {
	var events []Event
	h.Subscribe(func(ev Event) {
		events = append(events, ev)
	})
	return &events
}

func TestMemoryHostCreateEmitsCreatedWithIndex(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHost()
	events := recordEvents(h)

	folder, err := h.Create(ctx, CreateRequest{ParentID: BookmarksBarID, Title: "Work"})
	require.NoError(t, err)
	assert.Equal(t, KindFolder, folder.Kind)

	first, err := h.Create(ctx, CreateRequest{ParentID: folder.ID, Title: "A", URL: "https://a.example"})
	require.NoError(t, err)
	second, err := h.Create(ctx, CreateRequest{ParentID: folder.ID, Title: "B", URL: "https://b.example", Index: IntPtr(0)})
	require.NoError(t, err)

	assert.Equal(t, KindShortcut, first.Kind)
	require.Len(t, *events, 3)
	last := (*events)[2]
	assert.Equal(t, EventCreated, last.Kind)
	assert.Equal(t, second.ID, last.ID)
	assert.Equal(t, 0, last.Index)

	children, err := h.Children(ctx, folder.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, second.ID, children[0].ID)
	assert.Equal(t, first.ID, children[1].ID)
	assert.Equal(t, 1, children[1].Index)
}

func TestMemoryHostRemoveRequiresEmptyFolder(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHost()
	folder, err := h.Create(ctx, CreateRequest{ParentID: BookmarksBarID, Title: "Work"})
	require.NoError(t, err)
	_, err = h.Create(ctx, CreateRequest{ParentID: folder.ID, Title: "A", URL: "https://a.example"})
	require.NoError(t, err)

	err = h.Remove(ctx, folder.ID)
	assert.True(t, errors.Is(err, ErrNotEmpty))

	events := recordEvents(h)
	require.NoError(t, h.RemoveSubtree(ctx, folder.ID))
	require.Len(t, *events, 1)
	assert.Equal(t, EventRemoved, (*events)[0].Kind)
	assert.Equal(t, BookmarksBarID, (*events)[0].ParentID)

	_, err = h.Get(ctx, folder.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryHostMoveRejectsOwnSubtree(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHost()
	outer, err := h.Create(ctx, CreateRequest{ParentID: BookmarksBarID, Title: "Outer"})
	require.NoError(t, err)
	inner, err := h.Create(ctx, CreateRequest{ParentID: outer.ID, Title: "Inner"})
	require.NoError(t, err)

	_, err = h.Move(ctx, outer.ID, MoveRequest{ParentID: inner.ID})
	require.Error(t, err)

	events := recordEvents(h)
	_, err = h.Move(ctx, inner.ID, MoveRequest{ParentID: OtherFolderID, Index: IntPtr(0)})
	require.NoError(t, err)
	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Equal(t, EventMoved, ev.Kind)
	assert.Equal(t, outer.ID, ev.OldParentID)
	assert.Equal(t, OtherFolderID, ev.ParentID)
}

func TestMemoryHostFailNextIsOneShot(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHost()
	h.FailNext("create", errors.New("boom"))

	_, err := h.Create(ctx, CreateRequest{ParentID: BookmarksBarID, Title: "x"})
	require.Error(t, err)
	_, err = h.Create(ctx, CreateRequest{ParentID: BookmarksBarID, Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Writes())
}

func TestAdapterDegradesWithoutHost(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(nil, nil)

	assert.False(t, a.Available())
	_, ok := a.GetNode(ctx, BookmarksBarID)
	assert.False(t, ok)
	assert.Nil(t, a.GetChildren(ctx, BookmarksBarID))
	_, ok = a.Create(ctx, CreateRequest{ParentID: BookmarksBarID, Title: "x"})
	assert.False(t, ok)
	assert.False(t, a.RemoveSubtree(ctx, "5"))
	a.Subscribe(func(Event) {})()
}

func TestAdapterSwallowsHostErrors(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHost()
	a := NewAdapter(h, nil)

	_, ok := a.GetNode(ctx, "missing")
	assert.False(t, ok)
	assert.False(t, a.Move(ctx, "missing", MoveRequest{ParentID: BookmarksBarID}))
	assert.False(t, a.Update(ctx, BookmarksBarID, UpdateRequest{Title: StringPtr("renamed")}))
}

func TestAdapterLookupKeepsErrorKind(t *testing.T) {
	ctx := context.Background()
	_, err := NewAdapter(nil, nil).Lookup(ctx, BookmarksBarID)
	assert.ErrorIs(t, err, ErrUnavailable)

	h := NewMemoryHost()
	a := NewAdapter(h, nil)
	_, err = a.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	h.FailNext("get", ErrUnavailable)
	_, err = a.Lookup(ctx, BookmarksBarID)
	assert.ErrorIs(t, err, ErrUnavailable)

	node, err := a.Lookup(ctx, BookmarksBarID)
	require.NoError(t, err)
	assert.True(t, node.IsFolder())
}
