// Package canon provides type-safe Go definitions and Redis schema patterns
// for Warren's canonical coordination state.
//
// # Overview
//
// The canon is the shared state plane where all Warren components
// (orchestrator, CLI) interact via well-defined data structures stored in
// Redis. It holds every ChangeRequest, the write-ahead ledger of pipeline
// transitions, and the published SpecGraph snapshots, and it publishes
// Pub/Sub events so observers can follow the pipeline live.
//
// # Core Concepts
//
// ChangeRequests are approved mutations to the specification graph. Each one
// is driven through the pipeline by the orchestrator and terminates as
// Published, Failed, or Abandoned.
//
// LedgerEntries record every state transition of every request, written
// BEFORE the next stage begins. The ledger is append-only and is what makes
// crash recovery and idempotent resumption possible.
//
// Snapshots are immutable published SpecGraph revisions. The current pointer
// is swapped atomically on publish and a bounded history is retained for
// rollback and audit.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Warren instances to safely coexist on a single Redis server
// without interference.
//
// # Redis Schema
//
// All Redis keys follow the pattern: warren:{instance_name}:{entity}:{id}
//
// Change requests: warren:{instance_name}:request:{request_id}
// Ledger (per request, list): warren:{instance_name}:ledger:{request_id}
// Snapshots: warren:{instance_name}:snapshot:{revision}
// Current snapshot pointer: warren:{instance_name}:snapshot:current
// Snapshot index (zset): warren:{instance_name}:snapshots
//
// Pub/Sub channels:
//
// Request events: warren:{instance_name}:request_events
// Ledger events: warren:{instance_name}:ledger_events
package canon
