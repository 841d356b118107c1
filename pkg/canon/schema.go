package canon

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Warren instances to safely coexist on a single Redis
// server.
//
// Key pattern: warren:{instance_name}:{entity}:{id}
// Channel pattern: warren:{instance_name}:{event_type}_events

// ChangeRequestKey returns the Redis key for a change request.
// Pattern: warren:{instance_name}:request:{request_id}
func ChangeRequestKey(instanceName, requestID string) string {
	return fmt.Sprintf("warren:%s:request:%s", instanceName, requestID)
}

// ChangeRequestPattern returns the SCAN pattern matching request keys with
// the given ID prefix. An empty prefix matches every request.
// Pattern: warren:{instance_name}:request:{prefix}*
func ChangeRequestPattern(instanceName, prefix string) string {
	return fmt.Sprintf("warren:%s:request:%s*", instanceName, prefix)
}

// LedgerKey returns the Redis key for a request's write-ahead ledger list.
// Pattern: warren:{instance_name}:ledger:{request_id}
func LedgerKey(instanceName, requestID string) string {
	return fmt.Sprintf("warren:%s:ledger:%s", instanceName, requestID)
}

// SnapshotKey returns the Redis key for a published SpecGraph snapshot.
// Pattern: warren:{instance_name}:snapshot:{revision}
func SnapshotKey(instanceName string, revision int64) string {
	return fmt.Sprintf("warren:%s:snapshot:%d", instanceName, revision)
}

// SnapshotCurrentKey returns the Redis key holding the current snapshot
// revision pointer. Swapped with a single SET on publish, so readers always
// see either the old or the new revision, never an intermediate state.
// Pattern: warren:{instance_name}:snapshot:current
func SnapshotCurrentKey(instanceName string) string {
	return fmt.Sprintf("warren:%s:snapshot:current", instanceName)
}

// SnapshotIndexKey returns the Redis key for the snapshot revision index
// ZSET (score = revision). Used for history listing and trimming.
// Pattern: warren:{instance_name}:snapshots
func SnapshotIndexKey(instanceName string) string {
	return fmt.Sprintf("warren:%s:snapshots", instanceName)
}

// RequestEventsChannel returns the Pub/Sub channel name for change request
// events. Both creations and state updates are published here.
// Pattern: warren:{instance_name}:request_events
func RequestEventsChannel(instanceName string) string {
	return fmt.Sprintf("warren:%s:request_events", instanceName)
}

// LedgerEventsChannel returns the Pub/Sub channel name for ledger append
// events, carrying full LedgerEntry JSON for live monitoring.
// Pattern: warren:{instance_name}:ledger_events
func LedgerEventsChannel(instanceName string) string {
	return fmt.Sprintf("warren:%s:ledger_events", instanceName)
}
