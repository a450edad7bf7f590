package marksync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/tree"
)

// ReplaceSet is the result of a resync: the items that now stand for the
// resynced containers, keyed to the container ids they were read from.
type ReplaceSet struct {
	Role Role
	// Containers maps group id to the external id of its container.
	Containers map[string]string
	Items      []tree.Item
}

// Resync rebuilds every item under role's container from the host tree. The
// root role resyncs home and every group. Local items under the container
// that the host does not have are discarded. Concurrent calls for the same
// role share one walk.
func (e *Engine) Resync(ctx context.Context, role Role) (ReplaceSet, error) {
	v, err, _ := e.resyncFlight.Do(role.String(), func() (interface{}, error) {
		return e.resync(ctx, role)
	})
	if err != nil {
		return ReplaceSet{}, err
	}
	return v.(ReplaceSet), nil
}

// ResyncAll is Resync for the workspace root.
func (e *Engine) ResyncAll(ctx context.Context) (ReplaceSet, error) {
	return e.Resync(ctx, RootRole())
}

func (e *Engine) resync(ctx context.Context, role Role) (ReplaceSet, error) {
	ctx, span := tracer.Start(ctx, "marksync.Resync",
		trace.WithAttributes(attribute.String("marksync.role", role.String())),
	)
	defer span.End()

	start := time.Now()
	set, err := e.walkAndReplace(ctx, role)
	resyncDuration.Observe(time.Since(start).Seconds())
	label := "root"
	if role.Kind != RoleRoot {
		label = "container"
	}
	if err != nil {
		resyncTotal.WithLabelValues(label, resultFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WithError(err).WithField("role", role.String()).Warn("resync failed")
		return ReplaceSet{}, err
	}
	resyncTotal.WithLabelValues(label, resultOK).Inc()
	span.SetAttributes(attribute.Int("marksync.items", len(set.Items)))
	e.logger.WithFields(logrus.Fields{
		"role":  role.String(),
		"items": len(set.Items),
	}).Info("resync complete")
	return set, nil
}

type walkedContainer struct {
	groupID string
	root    hosttree.Node
}

func (e *Engine) walkAndReplace(ctx context.Context, role Role) (ReplaceSet, error) {
	if !e.adapter.Available() {
		return ReplaceSet{}, ErrUnavailable
	}
	roles := []Role{role}
	if role.Kind == RoleRoot {
		if _, ok := e.resolver.Resolve(ctx, role, true); !ok {
			return ReplaceSet{}, fmt.Errorf("%w: cannot resolve %s container", ErrUnavailable, role)
		}
		e.dequeueResync(role)
		roles = e.resolver.Roles()
	}

	set := ReplaceSet{Role: role, Containers: map[string]string{}}
	walked := make([]walkedContainer, 0, len(roles))
	for _, r := range roles {
		groupID, _ := r.Group()
		res, ok := e.resolver.Resolve(ctx, r, true)
		if !ok {
			return ReplaceSet{}, fmt.Errorf("%w: cannot resolve %s container", ErrUnavailable, r)
		}
		e.dequeueResync(r)
		root, ok := e.adapter.GetSubtree(ctx, res.ExternalID)
		if !ok {
			return ReplaceSet{}, fmt.Errorf("%w: cannot read %s container %s", ErrUnavailable, r, res.ExternalID)
		}
		set.Containers[groupID] = res.ExternalID
		walked = append(walked, walkedContainer{groupID: groupID, root: root})
	}

	e.mu.Lock()
	for _, w := range walked {
		items := e.itemsFromSubtreeLocked(w.groupID, w.root)
		e.store.ReplaceGroup(w.groupID, items)
		set.Items = append(set.Items, items...)
	}
	pruned := e.store.PruneEmptyFolders()
	e.mu.Unlock()

	e.mirrorRemovals(ctx, "prune", pruned)
	e.save()
	return set, nil
}

// itemsFromSubtreeLocked flattens the children of a container node into
// items of groupID. Items already correlated keep their local id.
func (e *Engine) itemsFromSubtreeLocked(groupID string, root hosttree.Node) []tree.Item {
	var out []tree.Item
	var walk func(parentID string, nodes []hosttree.Node)
	walk = func(parentID string, nodes []hosttree.Node) {
		for pos, node := range nodes {
			id := e.newID()
			if existing, ok := e.store.ByExternal(node.ID); ok {
				id = existing.ID
			}
			item := itemFromNode(node, id, tree.Scope{GroupID: groupID, ParentID: parentID})
			item.Position = pos
			out = append(out, item)
			if node.IsFolder() {
				walk(id, node.Children)
			}
		}
	}
	walk("", root.Children)
	return out
}

func itemFromNode(node hosttree.Node, id string, scope tree.Scope) tree.Item {
	item := tree.Item{
		ID:         id,
		Type:       tree.TypeShortcut,
		ParentID:   scope.ParentID,
		GroupID:    scope.GroupID,
		Position:   node.Index,
		ExternalID: node.ID,
		Title:      node.Title,
		URL:        node.URL,
	}
	if node.IsFolder() {
		item.Type = tree.TypeFolder
		item.URL = ""
	}
	return item
}
