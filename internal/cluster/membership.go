package cluster

import (
	"context"
	"sync"
	"time"
)

// Member is one STS node as seen by the cluster
type Member struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	JoinedAt time.Time `json:"joined_at"`
}

// Membership enumerates the live members of the cluster.
// Implementations must be safe for concurrent use.
type Membership interface {
	// Members returns the live members, oldest first when the source knows
	// join order.
	Members(ctx context.Context) ([]Member, error)

	// Local returns the member describing this process
	Local() Member

	// Running reports whether this process currently takes part in the
	// cluster. A membership that is not running cannot vouch for its member
	// list.
	Running() bool
}

// StaticMembership is a fixed member list. It serves single-node deployments
// and tests that simulate a cluster.
type StaticMembership struct {
	mu      sync.RWMutex
	local   Member
	members []Member
	running bool
}

// NewStaticMembership creates a running membership of local plus others
func NewStaticMembership(local Member, others ...Member) *StaticMembership {
	members := make([]Member, 0, len(others)+1)
	members = append(members, local)
	members = append(members, others...)
	return &StaticMembership{local: local, members: members, running: true}
}

// Members returns a copy of the member list
func (s *StaticMembership) Members(_ context.Context) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, len(s.members))
	copy(out, s.members)
	return out, nil
}

// Local returns the local member
func (s *StaticMembership) Local() Member { return s.local }

// Running reports the running flag
func (s *StaticMembership) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SetRunning toggles the running flag
func (s *StaticMembership) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// SetMembers replaces the member list
func (s *StaticMembership) SetMembers(members ...Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append([]Member(nil), members...)
}
