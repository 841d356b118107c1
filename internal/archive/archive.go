// Package archive provides the durable write-through mirror of the canon.
//
// Redis is the coordination plane and holds the authoritative live state.
// The archive shadows the append-only parts of that state (ledger entries,
// change requests, published snapshots) in an embedded BadgerDB, so an
// instance can rebuild its history after Redis data loss.
//
// Writes go to Redis first, then here. The archive is never read on the hot
// path; recovery consults it only when the canon is missing data.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// Config holds archive storage settings.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// SyncWrites forces fsync on every write. Slower but survives power loss.
	SyncWrites bool

	// InMemory keeps everything in RAM. For tests only.
	InMemory bool
}

// Archive is a BadgerDB-backed mirror of ledger entries, change requests and
// snapshots. Safe for concurrent use.
type Archive struct {
	db *badger.DB
}

// Key layout inside BadgerDB. Sequence and revision components are
// zero-padded so lexicographic key order matches numeric order.
const (
	ledgerPrefix     = "ledger/"
	requestPrefix    = "request/"
	snapshotPrefix   = "snapshot/"
	snapshotCurrent  = "snapshot-current"
	orderedKeyDigits = "%016d"
)

// Open opens (or creates) an archive at the configured path.
func Open(cfg Config) (*Archive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("archive path cannot be empty")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close flushes and closes the underlying database. Implements io.Closer.
func (a *Archive) Close() error {
	return a.db.Close()
}

func ledgerKey(requestID string, seq int64) []byte {
	return []byte(fmt.Sprintf(ledgerPrefix+"%s/"+orderedKeyDigits, requestID, seq))
}

func requestKey(requestID string) []byte {
	return []byte(requestPrefix + requestID)
}

func snapshotKey(revision int64) []byte {
	return []byte(fmt.Sprintf(snapshotPrefix+orderedKeyDigits, revision))
}

// AppendEntry mirrors a ledger entry. Re-archiving the same entry overwrites
// the identical value, so retries after partial failures are safe.
func (a *Archive) AppendEntry(ctx context.Context, entry *canon.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid ledger entry: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ledgerKey(entry.RequestID, entry.Seq), data)
	})
	if err != nil {
		return fmt.Errorf("failed to archive ledger entry: %w", err)
	}
	return nil
}

// LedgerHistory returns the archived transitions for a request in sequence
// order. Empty slice when nothing has been archived.
func (a *Archive) LedgerHistory(ctx context.Context, requestID string) ([]*canon.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(ledgerPrefix + requestID + "/")
	var entries []*canon.LedgerEntry

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read ledger entry: %w", err)
			}
			var entry canon.LedgerEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("corrupt ledger entry at %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// LastEntry returns the highest-sequence archived entry for a request.
// Returns (nil, badger.ErrKeyNotFound) when the request has no archived
// ledger.
func (a *Archive) LastEntry(ctx context.Context, requestID string) (*canon.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(ledgerPrefix + requestID + "/")
	var entry *canon.LedgerEntry

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible key under the prefix, then the first
		// valid position in reverse is the highest sequence.
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seekKey)

		if !it.ValidForPrefix(prefix) {
			return badger.ErrKeyNotFound
		}

		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read ledger entry: %w", err)
		}
		var e canon.LedgerEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("corrupt ledger entry at %s: %w", it.Item().Key(), err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// PutRequest mirrors the latest state of a change request. Called after
// every canon write, so the archived copy tracks the live one.
func (a *Archive) PutRequest(ctx context.Context, r *canon.ChangeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid change request: %w", err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal change request: %w", err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(requestKey(r.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to archive change request: %w", err)
	}
	return nil
}

// GetRequest returns the archived copy of a request.
// Returns (nil, badger.ErrKeyNotFound) when it was never archived.
func (a *Archive) GetRequest(ctx context.Context, requestID string) (*canon.ChangeRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var request *canon.ChangeRequest
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(requestKey(requestID))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read change request: %w", err)
		}
		var r canon.ChangeRequest
		if err := json.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("corrupt change request %s: %w", requestID, err)
		}
		request = &r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return request, nil
}

// ListRequestIDs returns the IDs of all archived requests.
func (a *Archive) ListRequestIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(requestPrefix)
	var ids []string

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// SaveSnapshot mirrors a published snapshot and moves the current pointer.
func (a *Archive) SaveSnapshot(ctx context.Context, g *specgraph.Graph) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snapshotKey(g.Revision), data); err != nil {
			return err
		}
		return txn.Set([]byte(snapshotCurrent), []byte(fmt.Sprintf(orderedKeyDigits, g.Revision)))
	})
	if err != nil {
		return fmt.Errorf("failed to archive snapshot: %w", err)
	}
	return nil
}

// CurrentSnapshot returns the most recently archived snapshot.
// Returns (nil, badger.ErrKeyNotFound) when nothing was ever archived.
func (a *Archive) CurrentSnapshot(ctx context.Context) (*specgraph.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var g *specgraph.Graph
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotCurrent))
		if err != nil {
			return err
		}
		pointer, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read snapshot pointer: %w", err)
		}

		item, err = txn.Get(append([]byte(snapshotPrefix), pointer...))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		var loaded specgraph.Graph
		if err := json.Unmarshal(val, &loaded); err != nil {
			return fmt.Errorf("corrupt snapshot %s: %w", pointer, err)
		}
		g = &loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

// SnapshotAt returns the archived snapshot at a specific revision.
// Returns (nil, badger.ErrKeyNotFound) for unknown or trimmed revisions.
func (a *Archive) SnapshotAt(ctx context.Context, revision int64) (*specgraph.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var g *specgraph.Graph
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(revision))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}

		var loaded specgraph.Graph
		if err := json.Unmarshal(val, &loaded); err != nil {
			return fmt.Errorf("corrupt snapshot %d: %w", revision, err)
		}
		g = &loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

// ListSnapshotRevisions returns archived revisions in ascending order.
func (a *Archive) ListSnapshotRevisions(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(snapshotPrefix)
	var revisions []int64

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			var rev int64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &rev); err != nil {
				return fmt.Errorf("malformed snapshot key %s: %w", key, err)
			}
			revisions = append(revisions, rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return revisions, nil
}

// TrimSnapshots deletes archived snapshots beyond the retention count,
// oldest first. keep <= 0 disables trimming.
func (a *Archive) TrimSnapshots(ctx context.Context, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if keep <= 0 {
		return nil
	}

	revisions, err := a.ListSnapshotRevisions(ctx)
	if err != nil {
		return err
	}
	if len(revisions) <= keep {
		return nil
	}

	victims := revisions[:len(revisions)-keep]
	err = a.db.Update(func(txn *badger.Txn) error {
		for _, rev := range victims {
			if err := txn.Delete(snapshotKey(rev)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to trim archived snapshots: %w", err)
	}
	return nil
}

// Sync flushes pending writes to disk.
func (a *Archive) Sync() error {
	if err := a.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	return nil
}

// IsNotFound returns true if the error means the archive has no such key.
func IsNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}
