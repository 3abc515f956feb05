package cluster

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/exp/slices"
)

// Resolver decides whether the local process is the reporting node.
// The policy is "oldest member wins": the member with the earliest join time
// leads, ties broken by ID.
type Resolver struct {
	membership Membership
	logger     *slog.Logger
}

// NewResolver creates a resolver over membership
func NewResolver(membership Membership, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{membership: membership, logger: logger}
}

// IsLeader reports whether the local member is the oldest live member.
// Indeterminate membership (not running, no members, lookup error) yields
// false so no node reports when it cannot be sure it is alone.
func (r *Resolver) IsLeader(ctx context.Context) bool {
	if r.membership == nil || !r.membership.Running() {
		return false
	}

	members, err := r.membership.Members(ctx)
	if err != nil {
		r.logger.Warn("membership lookup failed, assuming not leader", "error", err)
		return false
	}
	if len(members) == 0 {
		return false
	}

	oldest := Oldest(members)
	return oldest.ID == r.membership.Local().ID
}

// Oldest returns the earliest-joined member. members must not be empty.
func Oldest(members []Member) Member {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	slices.SortStableFunc(sorted, func(a, b Member) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return sorted[0]
}
