package hosttree

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Adapter wraps a Host and turns every failure into an empty result. A nil
// host behaves as an unavailable host: reads are empty and writes report false.
type Adapter struct {
	host   Host
	logger logrus.FieldLogger
}

func NewAdapter(host Host, logger logrus.FieldLogger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{host: host, logger: logger.WithField("component", "hosttree")}
}

// Available reports whether a host is attached. A host may still fail calls
// individually, e.g. a disconnected bridge.
func (a *Adapter) Available() bool {
	return a != nil && a.host != nil
}

func (a *Adapter) GetNode(ctx context.Context, id string) (Node, bool) {
	if !a.Available() || id == "" {
		return Node{}, false
	}
	node, err := a.host.Get(ctx, id)
	if err != nil {
		a.logRead("get", id, err)
		return Node{}, false
	}
	return node, true
}

// Lookup is GetNode with the host's error kept, so callers can tell a node
// that is gone (ErrNotFound) from a host that could not answer.
func (a *Adapter) Lookup(ctx context.Context, id string) (Node, error) {
	if !a.Available() {
		return Node{}, ErrUnavailable
	}
	if id == "" {
		return Node{}, ErrNotFound
	}
	node, err := a.host.Get(ctx, id)
	if err != nil {
		a.logRead("get", id, err)
		return Node{}, err
	}
	return node, nil
}

func (a *Adapter) GetChildren(ctx context.Context, id string) []Node {
	if !a.Available() || id == "" {
		return nil
	}
	children, err := a.host.Children(ctx, id)
	if err != nil {
		a.logRead("children", id, err)
		return nil
	}
	return children
}

func (a *Adapter) GetSubtree(ctx context.Context, id string) (Node, bool) {
	if !a.Available() || id == "" {
		return Node{}, false
	}
	node, err := a.host.Subtree(ctx, id)
	if err != nil {
		a.logRead("subtree", id, err)
		return Node{}, false
	}
	return node, true
}

func (a *Adapter) Create(ctx context.Context, req CreateRequest) (Node, bool) {
	if !a.Available() || req.ParentID == "" {
		return Node{}, false
	}
	node, err := a.host.Create(ctx, req)
	if err != nil {
		a.logWrite("create", req.ParentID, err)
		return Node{}, false
	}
	return node, true
}

func (a *Adapter) Move(ctx context.Context, id string, req MoveRequest) bool {
	if !a.Available() || id == "" {
		return false
	}
	if _, err := a.host.Move(ctx, id, req); err != nil {
		a.logWrite("move", id, err)
		return false
	}
	return true
}

func (a *Adapter) Update(ctx context.Context, id string, req UpdateRequest) bool {
	if !a.Available() || id == "" {
		return false
	}
	if _, err := a.host.Update(ctx, id, req); err != nil {
		a.logWrite("update", id, err)
		return false
	}
	return true
}

func (a *Adapter) Remove(ctx context.Context, id string) bool {
	if !a.Available() || id == "" {
		return false
	}
	if err := a.host.Remove(ctx, id); err != nil {
		a.logWrite("remove", id, err)
		return false
	}
	return true
}

func (a *Adapter) RemoveSubtree(ctx context.Context, id string) bool {
	if !a.Available() || id == "" {
		return false
	}
	if err := a.host.RemoveSubtree(ctx, id); err != nil {
		a.logWrite("removeSubtree", id, err)
		return false
	}
	return true
}

// Subscribe registers h with the host. The returned function is always safe
// to call.
func (a *Adapter) Subscribe(h Handler) func() {
	if !a.Available() || h == nil {
		return func() {}
	}
	return a.host.Subscribe(h)
}

func (a *Adapter) logRead(op, id string, err error) {
	entry := a.logger.WithFields(logrus.Fields{"op": op, "nodeId": id})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		entry.WithError(err).Debug("host read returned nothing")
		return
	}
	entry.WithError(err).Warn("host read failed")
}

func (a *Adapter) logWrite(op, id string, err error) {
	a.logger.WithFields(logrus.Fields{"op": op, "nodeId": id}).WithError(err).Warn("host write failed")
}
