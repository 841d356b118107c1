package canon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/specgraph"
)

// Client provides instance-scoped Redis operations for the canon.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple
// goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new canon client for the specified instance.
// The client automatically namespaces all keys and channels with the
// instance name.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: Warren instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the instance this client is scoped to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// RedisClient exposes the underlying Redis client for operations the typed
// API does not cover (scans, diagnostics).
func (c *Client) RedisClient() *redis.Client {
	return c.rdb
}

// CreateChangeRequest writes a change request to Redis and publishes an
// event. Validates the request before writing.
// Publishes full request JSON to warren:{instance}:request_events after a
// successful write. Writing the same request twice is safe.
func (c *Client) CreateChangeRequest(ctx context.Context, r *ChangeRequest) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid change request: %w", err)
	}

	hash, err := ChangeRequestToHash(r)
	if err != nil {
		return fmt.Errorf("failed to serialize change request: %w", err)
	}

	key := ChangeRequestKey(c.instanceName, r.ID)
	if err := c.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write change request to Redis: %w", err)
	}

	return c.publishRequestEvent(ctx, r)
}

// GetChangeRequest retrieves a change request by ID.
// Returns (nil, redis.Nil) if the request doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (c *Client) GetChangeRequest(ctx context.Context, requestID string) (*ChangeRequest, error) {
	key := ChangeRequestKey(c.instanceName, requestID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read change request from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys.
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	request, err := HashToChangeRequest(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize change request: %w", err)
	}

	return request, nil
}

// UpdateChangeRequest replaces an existing request with new data (full
// replacement) and publishes an update event. The orchestrator uses this to
// record every state transition, so observers and blocked-set re-evaluation
// see updates as well as creations.
func (c *Client) UpdateChangeRequest(ctx context.Context, r *ChangeRequest) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid change request: %w", err)
	}

	hash, err := ChangeRequestToHash(r)
	if err != nil {
		return fmt.Errorf("failed to serialize change request: %w", err)
	}

	key := ChangeRequestKey(c.instanceName, r.ID)
	if err := c.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to update change request in Redis: %w", err)
	}

	return c.publishRequestEvent(ctx, r)
}

// RequestExists checks if a change request exists without fetching it.
func (c *Client) RequestExists(ctx context.Context, requestID string) (bool, error) {
	key := ChangeRequestKey(c.instanceName, requestID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check change request existence: %w", err)
	}
	return exists > 0, nil
}

// ListChangeRequests retrieves all change requests for this instance.
// Uses Redis SCAN to iterate keys without blocking the server. Requests
// deleted between scan and fetch are skipped. Order is unspecified; callers
// sort as needed.
func (c *Client) ListChangeRequests(ctx context.Context) ([]*ChangeRequest, error) {
	pattern := ChangeRequestPattern(c.instanceName, "")
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()

	prefix := ChangeRequestKey(c.instanceName, "")
	var requests []*ChangeRequest

	for iter.Next(ctx) {
		requestID := iter.Val()[len(prefix):]

		request, err := c.GetChangeRequest(ctx, requestID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to fetch change request %s: %w", requestID, err)
		}
		requests = append(requests, request)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan change requests: %w", err)
	}

	return requests, nil
}

// ScanChangeRequestIDs returns the IDs of all requests whose ID starts with
// the given prefix. Used for short-ID resolution.
func (c *Client) ScanChangeRequestIDs(ctx context.Context, prefix string) ([]string, error) {
	pattern := ChangeRequestPattern(c.instanceName, prefix)
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()

	keyPrefix := ChangeRequestKey(c.instanceName, "")
	var ids []string

	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(keyPrefix):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan change request IDs: %w", err)
	}

	return ids, nil
}

// AppendLedger appends a write-ahead entry to a request's ledger and
// publishes a ledger event. The sequence number is assigned here from the
// current ledger length; each request has a single pipeline goroutine
// appending, so length+1 is race-free.
//
// The ledger is append-only: entries are never mutated or deleted.
func (c *Client) AppendLedger(ctx context.Context, entry *LedgerEntry) error {
	key := LedgerKey(c.instanceName, entry.RequestID)

	length, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read ledger length: %w", err)
	}
	entry.Seq = length + 1

	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid ledger entry: %w", err)
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	if err := c.rdb.RPush(ctx, key, entryJSON).Err(); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	channel := LedgerEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, entryJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish ledger event: %w", err)
	}

	return nil
}

// LedgerHistory returns a request's full transition history in append order.
// Returns an empty slice when the request has no ledger yet.
func (c *Client) LedgerHistory(ctx context.Context, requestID string) ([]*LedgerEntry, error) {
	key := LedgerKey(c.instanceName, requestID)

	raw, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	entries := make([]*LedgerEntry, 0, len(raw))
	for i, item := range raw {
		var entry LedgerEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger entry %d: %w", i, err)
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

// LastLedgerEntry returns the most recent ledger entry for a request.
// Returns (nil, redis.Nil) when the ledger is empty.
func (c *Client) LastLedgerEntry(ctx context.Context, requestID string) (*LedgerEntry, error) {
	key := LedgerKey(c.instanceName, requestID)

	raw, err := c.rdb.LIndex(ctx, key, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read last ledger entry: %w", err)
	}

	var entry LedgerEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last ledger entry: %w", err)
	}

	return &entry, nil
}

// SaveSnapshot persists a published SpecGraph snapshot and atomically swaps
// the current pointer to it. The snapshot body is written before the pointer,
// so concurrent readers always load a complete snapshot.
func (c *Client) SaveSnapshot(ctx context.Context, g *specgraph.Graph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := SnapshotKey(c.instanceName, g.Revision)
	if err := c.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	member := strconv.FormatInt(g.Revision, 10)
	z := redis.Z{Score: float64(g.Revision), Member: member}
	if err := c.rdb.ZAdd(ctx, SnapshotIndexKey(c.instanceName), z).Err(); err != nil {
		return fmt.Errorf("failed to index snapshot: %w", err)
	}

	if err := c.rdb.Set(ctx, SnapshotCurrentKey(c.instanceName), member, 0).Err(); err != nil {
		return fmt.Errorf("failed to swap current snapshot pointer: %w", err)
	}

	return nil
}

// CurrentSnapshot loads the current published snapshot.
// Returns (nil, redis.Nil) when nothing has been published yet; callers
// bootstrap an empty graph in that case.
func (c *Client) CurrentSnapshot(ctx context.Context) (*specgraph.Graph, error) {
	raw, err := c.rdb.Get(ctx, SnapshotCurrentKey(c.instanceName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read current snapshot pointer: %w", err)
	}

	revision, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid current snapshot pointer %q: %w", raw, err)
	}

	return c.SnapshotAt(ctx, revision)
}

// SnapshotAt loads the snapshot at a specific revision.
// Returns (nil, redis.Nil) if that revision is unknown or already trimmed.
func (c *Client) SnapshotAt(ctx context.Context, revision int64) (*specgraph.Graph, error) {
	raw, err := c.rdb.Get(ctx, SnapshotKey(c.instanceName, revision)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read snapshot %d: %w", revision, err)
	}

	var g specgraph.Graph
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %d: %w", revision, err)
	}

	return &g, nil
}

// ListSnapshotRevisions returns all retained snapshot revisions, ascending.
func (c *Client) ListSnapshotRevisions(ctx context.Context) ([]int64, error) {
	members, err := c.rdb.ZRange(ctx, SnapshotIndexKey(c.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot revisions: %w", err)
	}

	revisions := make([]int64, 0, len(members))
	for _, m := range members {
		rev, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot index member %q: %w", m, err)
		}
		revisions = append(revisions, rev)
	}

	return revisions, nil
}

// TrimSnapshots deletes the oldest snapshots beyond the given retention
// count. keep <= 0 disables trimming. The current snapshot is always the
// newest revision and is never trimmed.
func (c *Client) TrimSnapshots(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}

	revisions, err := c.ListSnapshotRevisions(ctx)
	if err != nil {
		return err
	}

	if len(revisions) <= keep {
		return nil
	}

	victims := revisions[:len(revisions)-keep]
	for _, rev := range victims {
		member := strconv.FormatInt(rev, 10)
		if err := c.rdb.Del(ctx, SnapshotKey(c.instanceName, rev)).Err(); err != nil {
			return fmt.Errorf("failed to delete snapshot %d: %w", rev, err)
		}
		if err := c.rdb.ZRem(ctx, SnapshotIndexKey(c.instanceName), member).Err(); err != nil {
			return fmt.Errorf("failed to unindex snapshot %d: %w", rev, err)
		}
	}

	return nil
}

// publishRequestEvent publishes full request JSON to the request events
// channel.
func (c *Client) publishRequestEvent(ctx context.Context, r *ChangeRequest) error {
	requestJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal change request for event: %w", err)
	}

	channel := RequestEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, requestJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish request event: %w", err)
	}

	return nil
}

// RequestSubscription represents an active Pub/Sub subscription to change
// request events. Caller must call Close() when done to clean up resources.
type RequestSubscription struct {
	events <-chan *ChangeRequest
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of request events.
// The channel is closed when the subscription is closed or the context is
// cancelled.
func (s *RequestSubscription) Events() <-chan *ChangeRequest {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *RequestSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *RequestSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// LedgerSubscription represents an active Pub/Sub subscription to ledger
// append events. Caller must call Close() when done to clean up resources.
type LedgerSubscription struct {
	events <-chan *LedgerEntry
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of ledger events.
func (s *LedgerSubscription) Events() <-chan *LedgerEntry {
	return s.events
}

// Errors returns the channel of subscription errors.
func (s *LedgerSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
func (s *LedgerSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeRequestEvents subscribes to change request events for this
// instance (creations and updates). Caller must call subscription.Close()
// when done. Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub
// (at-most-once delivery).
func (c *Client) SubscribeRequestEvents(ctx context.Context) (*RequestSubscription, error) {
	channel := RequestEventsChannel(c.instanceName)
	pubsub := c.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *ChangeRequest, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var request ChangeRequest
				if err := json.Unmarshal([]byte(msg.Payload), &request); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal request event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &request:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &RequestSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// SubscribeLedgerEvents subscribes to ledger append events for this
// instance. Caller must call subscription.Close() when done.
func (c *Client) SubscribeLedgerEvents(ctx context.Context) (*LedgerSubscription, error) {
	channel := LedgerEventsChannel(c.instanceName)
	pubsub := c.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *LedgerEntry, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var entry LedgerEntry
				if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal ledger event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &entry:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &LedgerSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if GetChangeRequest, CurrentSnapshot,
// SnapshotAt, or LastLedgerEntry returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
