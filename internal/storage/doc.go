// Package storage provides the shared data grid the credential store runs on:
// named key-value maps with per-entry expiry, compare-and-delete, and
// cluster-wide key locks.
//
// # Overview
//
// Every STS node connects to the same grid, so a PIN issued through one node
// can be verified through any other. The package defines the Grid and Map
// interfaces and ships two backends:
//
//	┌─────────────────────────────────────┐
//	│   pin / session / monitor packages  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│         Grid.Map(name, cfg)         │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	    ┌───────────┐     ┌───────────┐
//	    │  Memory   │     │   Redis   │
//	    │   Grid    │     │   Grid    │
//	    └───────────┘     └───────────┘
//
// # Backends
//
// MemoryGrid keeps maps in process memory. It is used by single-node
// deployments and by tests. Expired entries are invisible to reads at once;
// StartSweeper reclaims their memory in the background. MaxSize is enforced
// on insert by evicting the entry closest to expiry.
//
// RedisGrid maps each grid map onto a key namespace "<prefix><map>:<key>".
// Expiry uses native redis TTLs and MaxSize is left to the server's
// maxmemory policy.
//
// # Atomicity
//
// RemoveIfMatch is the primitive behind exactly-once PIN consumption. On
// redis it runs as a Lua script, so between two nodes racing to consume the
// same record only one observes a successful delete.
//
// Lock serialises read-modify-write sequences that span several calls. The
// redis lock is a SET NX lease keyed by a random token; a holder that dies
// releases it when the lease runs out.
//
// # Usage
//
//	grid := storage.NewMemoryGrid()
//	pins := grid.Map("pins", storage.MapConfig{TTL: 5 * time.Minute})
//
//	_ = pins.Put(ctx, "98079008", record, 0)
//	removed, err := pins.RemoveIfMatch(ctx, "98079008", record)
//	if err != nil {
//	    return err
//	}
//	if !removed {
//	    // another caller consumed it first
//	}
package storage
