// Package group resolves named device groups into frozen device-id sets.
package group

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/fleet"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/retry"
)

// Ref points at a group. A Ref with Members is an inline static group and
// is resolved without a lookup.
type Ref struct {
	Name    string
	Members []string
}

// Named references a declared group.
func Named(name string) Ref {
	return Ref{Name: name}
}

// Inline builds an ad-hoc static group.
func Inline(name string, members ...string) Ref {
	return Ref{Name: name, Members: members}
}

// String returns the group name.
func (r Ref) String() string {
	return r.Name
}

// DeviceSet is an ordered, duplicate-free list of device ids.
type DeviceSet []string

// Union merges sets keeping the first occurrence of every id.
func Union(sets ...DeviceSet) DeviceSet {
	seen := make(map[string]struct{})

	var result DeviceSet

	for _, set := range sets {
		for _, id := range set {
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}
			result = append(result, id)
		}
	}

	return result
}

// Options configures a Resolver.
type Options struct {
	Index fleet.Index
	// QueryTimeout bounds a single dynamic resolution.
	QueryTimeout time.Duration
	// Retry applies to transient index errors other than timeouts.
	Retry retry.Policy
}

// errIndexNotConfigured is returned when a dynamic group is resolved without an index.
var errIndexNotConfigured = errors.New("fleet index is not configured")

// Resolver turns group references into device sets.
type Resolver struct {
	groups       map[string]ota.DeviceGroup
	index        fleet.Index
	queryTimeout time.Duration
	retryPolicy  retry.Policy
	mu           sync.RWMutex
}

// NewResolver creates a resolver without declared groups.
func NewResolver(opts Options) *Resolver {
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = config.DefaultQueryTimeout
	}

	return &Resolver{
		groups:       make(map[string]ota.DeviceGroup),
		index:        opts.Index,
		queryTimeout: timeout,
		retryPolicy:  opts.Retry.WithDefaults(),
	}
}

// Register declares a group.
func (r *Resolver) Register(group ota.DeviceGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[group.Name]; ok {
		return fmt.Errorf("register group %q: %w", group.Name, ota.ErrDuplicateName)
	}

	group.Members = slices.Clone(group.Members)
	r.groups[group.Name] = group

	return nil
}

// RegisterConfigured declares every group from the configuration.
func (r *Resolver) RegisterConfigured(groups []config.GroupConfig) error {
	for _, g := range groups {
		err := r.Register(ota.DeviceGroup{
			Name:    g.Name,
			Kind:    ota.GroupKind(g.Kind),
			Members: g.Members,
			Query:   g.Query,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Resolve returns the group's devices at call time. Static groups return their
// membership unchanged, dynamic groups query the fleet index under a bounded wait.
// A query timeout is returned to the caller as ErrQueryTimeout and never retried.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (DeviceSet, error) {
	if ref.Members != nil {
		return Union(ref.Members), nil
	}

	r.mu.RLock()
	group, ok := r.groups[ref.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", ref.Name, ota.ErrGroupNotFound)
	}

	if group.Kind != ota.GroupKindDynamic {
		return Union(group.Members), nil
	}

	if r.index == nil {
		return nil, fmt.Errorf("resolve %q: %w", ref.Name, errIndexNotConfigured)
	}

	var ids []string

	err := retry.Do(ctx, r.retryPolicy, func(ctx context.Context, attempt int) error {
		queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()

		var queryErr error

		ids, queryErr = r.index.ResolveDynamicGroup(queryCtx, group.Query)
		if queryErr == nil {
			return nil
		}

		if ctx.Err() == nil && errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("resolve %q after %s: %w", ref.Name, r.queryTimeout, ota.ErrQueryTimeout)
		}

		logger.WarnKV(ctx, "Fleet query failed",
			"group", ref.Name,
			"query", group.Query,
			"attempt", attempt,
			"error", queryErr)

		return queryErr
	})
	if err != nil {
		return nil, err
	}

	logger.DebugKV(ctx, "Dynamic group resolved",
		"group", ref.Name,
		"query", group.Query,
		"devices", strings.Join(ids, ","))

	return Union(ids), nil
}
