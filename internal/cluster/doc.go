// Package cluster tracks which STS nodes are alive and decides which one of
// them is the reporting node.
//
// # Overview
//
// There is no coordinator. Every node registers itself in the shared redis
// and keeps a liveness key fresh; any node can enumerate the live members
// and work out who joined first.
//
//	┌──────────┐ ┌──────────┐ ┌──────────┐
//	│  Node A  │ │  Node B  │ │  Node C  │
//	│ joined 1 │ │ joined 2 │ │ joined 3 │
//	└────┬─────┘ └────┬─────┘ └────┬─────┘
//	     │ heartbeat  │            │
//	     ▼            ▼            ▼
//	┌──────────────────────────────────────┐
//	│ redis: <prefix>members   (zset)      │
//	│        <prefix>member:ID (PX ttl)    │
//	└──────────────────────────────────────┘
//
// # Membership
//
// RedisMembership keeps join order in a sorted set scored by join time in
// microseconds. Liveness is a separate key per member that expires after TTL
// unless the heartbeat loop refreshes it. Members whose liveness key is gone
// are left out of Members at once and pruned from the sorted set on the next
// heartbeat of any node.
//
// After MaxFailures consecutive heartbeat failures the local membership
// reports Running() == false until a heartbeat succeeds again.
//
// StaticMembership is a fixed list for single-node deployments and tests.
//
// # Leadership
//
// Resolver.IsLeader applies the "oldest member" policy. It never mutates
// anything and is cheap enough to call on every scheduled tick. When the
// membership is not running, empty or unreadable it answers false, so an
// uncertain node stays quiet instead of reporting twice.
//
// # Usage
//
//	membership := cluster.NewRedisMembership(client, nodeID, addr, cfg, logger)
//	if err := membership.Join(ctx); err != nil {
//	    return err
//	}
//	go membership.Start(ctx)
//	defer membership.Stop()
//
//	resolver := cluster.NewResolver(membership, logger)
//	if resolver.IsLeader(ctx) {
//	    // run the periodic report
//	}
package cluster
