package marksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/state"
	"github.com/agentworkforce/marksync/internal/tree"
)

// RoleKind identifies which managed container a Role refers to.
type RoleKind int

const (
	RoleRoot RoleKind = iota
	RoleHome
	RoleGroup
)

// Role is a logical container binding: the workspace root, the home folder,
// or the folder of one group.
type Role struct {
	Kind    RoleKind
	GroupID string
}

func RootRole() Role { return Role{Kind: RoleRoot} }
func HomeRole() Role { return Role{Kind: RoleHome} }

func GroupRole(groupID string) Role {
	return Role{Kind: RoleGroup, GroupID: groupID}
}

// RoleForGroup maps a group id to its container role.
func RoleForGroup(groupID string) Role {
	if groupID == "" || groupID == tree.HomeGroupID {
		return HomeRole()
	}
	return GroupRole(groupID)
}

// Group returns the item group that lives directly under the container. The
// root role has none.
func (r Role) Group() (string, bool) {
	switch r.Kind {
	case RoleHome:
		return tree.HomeGroupID, true
	case RoleGroup:
		return r.GroupID, true
	default:
		return "", false
	}
}

func (r Role) String() string {
	switch r.Kind {
	case RoleRoot:
		return "root"
	case RoleHome:
		return "home"
	default:
		return "group:" + r.GroupID
	}
}

// KeyValue stores the root and home container ids and the workspace marker.
type KeyValue interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// GroupDirectory owns Group entities. Group container ids live on the group.
type GroupDirectory interface {
	LookupGroup(id string) (tree.Group, bool)
	UpdateGroup(group tree.Group) error
	RemoveGroup(id string) error
	ListGroups() []tree.Group
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	ExternalID string
	// Created is set when the folder had to be created.
	Created bool
	// Rebound is set when a previously persisted id no longer pointed at a
	// folder, i.e. the container was lost and everything mirrored under it
	// is stale.
	Rebound bool
}

type ResolverConfig struct {
	WorkspaceTitle string
	HomeTitle      string
	BarID          string
	LockDuration   time.Duration
}

// Resolver finds or recreates managed containers.
type Resolver struct {
	adapter *hosttree.Adapter
	kv      KeyValue
	groups  GroupDirectory
	lock    *WriteLock
	cfg     ResolverConfig
	logger  logrus.FieldLogger
	sf      singleflight.Group

	// onRebound is told about every container whose persisted id went stale.
	onRebound func(Role)
}

func NewResolver(adapter *hosttree.Adapter, kv KeyValue, groups GroupDirectory, lock *WriteLock, cfg ResolverConfig, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.WorkspaceTitle == "" {
		cfg.WorkspaceTitle = defaultWorkspaceTitle
	}
	if cfg.HomeTitle == "" {
		cfg.HomeTitle = defaultHomeTitle
	}
	if cfg.BarID == "" {
		cfg.BarID = hosttree.BookmarksBarID
	}
	return &Resolver{
		adapter: adapter,
		kv:      kv,
		groups:  groups,
		lock:    lock,
		cfg:     cfg,
		logger:  logger.WithField("component", "resolver"),
	}
}

// Resolve returns the external id of role's container. It reports false when
// the host is unavailable, when nothing matches and create is false, or when
// creating the folder failed. Concurrent calls for one role share a result.
func (r *Resolver) Resolve(ctx context.Context, role Role, create bool) (Resolution, bool) {
	if !r.adapter.Available() {
		return Resolution{}, false
	}
	key := fmt.Sprintf("%s/%t", role, create)
	v, _, _ := r.sf.Do(key, func() (interface{}, error) {
		res, ok := r.resolve(ctx, role, create)
		if !ok {
			return nil, nil
		}
		return res, nil
	})
	res, ok := v.(Resolution)
	return res, ok
}

func (r *Resolver) resolve(ctx context.Context, role Role, create bool) (Resolution, bool) {
	persisted := r.Persisted(role)
	if role.Kind == RoleGroup {
		if _, ok := r.groups.LookupGroup(role.GroupID); !ok {
			return Resolution{}, false
		}
	}
	if persisted != "" {
		node, err := r.adapter.Lookup(ctx, persisted)
		switch {
		case err == nil && node.IsFolder():
			return Resolution{ExternalID: persisted}, true
		case err != nil && !errors.Is(err, hosttree.ErrNotFound):
			// The binding may still be good; the caller retries later.
			r.logger.WithError(err).WithField("role", role.String()).Debug("container lookup failed; keeping binding")
			return Resolution{}, false
		}
	}

	parentID := r.cfg.BarID
	if role.Kind != RoleRoot {
		root, ok := r.Resolve(ctx, RootRole(), create)
		if !ok {
			return Resolution{}, false
		}
		parentID = root.ExternalID
	}

	title, match := r.matcher(role)
	for _, child := range r.adapter.GetChildren(ctx, parentID) {
		if child.IsFolder() && match(child.Title) {
			if err := r.persist(role, child.ID); err != nil {
				r.logger.WithError(err).WithField("role", role.String()).Warn("persist container binding failed")
			}
			r.logger.WithFields(logrus.Fields{"role": role.String(), "externalId": child.ID}).Info("container rediscovered")
			return r.rebound(role, Resolution{ExternalID: child.ID, Rebound: persisted != "" && persisted != child.ID}), true
		}
	}
	if !create {
		return Resolution{}, false
	}

	r.lock.Lock(r.cfg.LockDuration)
	node, ok := r.adapter.Create(ctx, hosttree.CreateRequest{ParentID: parentID, Title: title})
	recordWrite("createContainer", ok)
	if !ok {
		return Resolution{}, false
	}
	if err := r.persist(role, node.ID); err != nil {
		r.logger.WithError(err).WithField("role", role.String()).Warn("persist container binding failed")
	}
	r.logger.WithFields(logrus.Fields{"role": role.String(), "externalId": node.ID}).Info("container created")
	return r.rebound(role, Resolution{ExternalID: node.ID, Created: true, Rebound: persisted != ""}), true
}

func (r *Resolver) rebound(role Role, res Resolution) Resolution {
	if res.Rebound && r.onRebound != nil {
		r.onRebound(role)
	}
	return res
}

// matcher returns the title to create and the predicate recognizing an
// existing container for role.
func (r *Resolver) matcher(role Role) (string, func(string) bool) {
	switch role.Kind {
	case RoleRoot:
		marker := r.Marker()
		return fmt.Sprintf("%s [%s]", r.cfg.WorkspaceTitle, marker), func(title string) bool {
			return marker != "" && strings.Contains(title, marker)
		}
	case RoleHome:
		return r.cfg.HomeTitle, exactName(r.cfg.HomeTitle)
	default:
		group, _ := r.groups.LookupGroup(role.GroupID)
		return group.Name, exactName(group.Name)
	}
}

func exactName(want string) func(string) bool {
	want = norm.NFC.String(want)
	return func(title string) bool {
		return norm.NFC.String(title) == want
	}
}

// Marker returns the workspace marker, generating and persisting it on first
// use. It is never regenerated once stored.
func (r *Resolver) Marker() string {
	if marker, ok := r.kv.Get(state.KeyWorkspaceMarker); ok {
		return marker
	}
	marker := uuid.NewString()
	if err := r.kv.Set(state.KeyWorkspaceMarker, marker); err != nil {
		r.logger.WithError(err).Warn("persist workspace marker failed")
	}
	return marker
}

// Persisted returns the stored external id for role without touching the host.
func (r *Resolver) Persisted(role Role) string {
	switch role.Kind {
	case RoleRoot:
		id, _ := r.kv.Get(state.KeyRootFolderID)
		return id
	case RoleHome:
		id, _ := r.kv.Get(state.KeyHomeFolderID)
		return id
	default:
		group, ok := r.groups.LookupGroup(role.GroupID)
		if !ok {
			return ""
		}
		return group.ContainerID
	}
}

func (r *Resolver) persist(role Role, externalID string) error {
	switch role.Kind {
	case RoleRoot:
		return r.kv.Set(state.KeyRootFolderID, externalID)
	case RoleHome:
		return r.kv.Set(state.KeyHomeFolderID, externalID)
	default:
		group, ok := r.groups.LookupGroup(role.GroupID)
		if !ok {
			return fmt.Errorf("%w: group %s", ErrNotFound, role.GroupID)
		}
		group.ContainerID = externalID
		return r.groups.UpdateGroup(group)
	}
}

// Invalidate forgets the binding of role so the next Resolve rediscovers or
// recreates it.
func (r *Resolver) Invalidate(role Role) {
	var err error
	switch role.Kind {
	case RoleRoot:
		err = r.kv.Delete(state.KeyRootFolderID)
	case RoleHome:
		err = r.kv.Delete(state.KeyHomeFolderID)
	default:
		err = r.persist(role, "")
	}
	if err != nil {
		r.logger.WithError(err).WithField("role", role.String()).Warn("invalidate container binding failed")
	}
}

// ContainerRole maps an external id back to the role bound to it.
func (r *Resolver) ContainerRole(externalID string) (Role, bool) {
	if externalID == "" {
		return Role{}, false
	}
	if id, _ := r.kv.Get(state.KeyRootFolderID); id == externalID {
		return RootRole(), true
	}
	if id, _ := r.kv.Get(state.KeyHomeFolderID); id == externalID {
		return HomeRole(), true
	}
	for _, g := range r.groups.ListGroups() {
		if g.ContainerID == externalID {
			return GroupRole(g.ID), true
		}
	}
	return Role{}, false
}

// Roles lists every container role the workspace currently knows about.
func (r *Resolver) Roles() []Role {
	roles := []Role{HomeRole()}
	for _, g := range r.groups.ListGroups() {
		roles = append(roles, GroupRole(g.ID))
	}
	return roles
}
