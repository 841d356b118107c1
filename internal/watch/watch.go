package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/warren/pkg/canon"
)

// Formatter renders watch events to an output stream. Implementations must
// be safe for use from a single goroutine only; the Watcher serializes all
// calls.
type Formatter interface {
	FormatRequest(req *canon.ChangeRequest) error
	FormatTransition(entry *canon.LedgerEntry) error
	FormatError(err error) error
}

// NewDefaultFormatter returns a human-readable formatter writing one line
// per event.
func NewDefaultFormatter(w io.Writer) Formatter {
	return &defaultFormatter{writer: w}
}

// NewJSONFormatter returns a formatter emitting one JSON object per line,
// suitable for piping into other tools.
func NewJSONFormatter(w io.Writer) Formatter {
	return &jsonFormatter{enc: json.NewEncoder(w)}
}

// Watcher streams change request activity from the canon to a Formatter.
// It subscribes to both request events (submissions) and ledger events
// (pipeline transitions).
type Watcher struct {
	Client    *canon.Client
	Formatter Formatter

	// RequestID, when set, restricts output to a single request. The
	// watcher then exits once that request reaches a terminal state.
	RequestID string
}

// Run streams events until the context is cancelled, the subscription is
// torn down, or (when RequestID is set) the watched request finishes.
// Redis Pub/Sub is at-most-once: events published before Run subscribes
// are not replayed.
func (w *Watcher) Run(ctx context.Context) error {
	reqSub, err := w.Client.SubscribeRequestEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to request events: %w", err)
	}
	defer reqSub.Close()

	ledgerSub, err := w.Client.SubscribeLedgerEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ledger events: %w", err)
	}
	defer ledgerSub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case req, ok := <-reqSub.Events():
			if !ok {
				return nil
			}
			if w.RequestID != "" && req.ID != w.RequestID {
				continue
			}
			// Updates to an existing request are redundant with the
			// ledger stream, so only fresh submissions are shown.
			if req.State != canon.StateRequested {
				continue
			}
			if err := w.Formatter.FormatRequest(req); err != nil {
				return err
			}

		case entry, ok := <-ledgerSub.Events():
			if !ok {
				return nil
			}
			if w.RequestID != "" && entry.RequestID != w.RequestID {
				continue
			}
			if err := w.Formatter.FormatTransition(entry); err != nil {
				return err
			}
			if w.RequestID != "" && entry.To.Terminal() {
				return nil
			}

		case err, ok := <-reqSub.Errors():
			if !ok {
				return nil
			}
			if ferr := w.Formatter.FormatError(err); ferr != nil {
				return ferr
			}

		case err, ok := <-ledgerSub.Errors():
			if !ok {
				return nil
			}
			if ferr := w.Formatter.FormatError(err); ferr != nil {
				return ferr
			}
		}
	}
}

// PollForTerminal polls a change request until it reaches a terminal state.
// Returns the terminal request, or an error if the timeout elapses first.
// Polls every 200ms for the specified timeout duration.
func PollForTerminal(ctx context.Context, client *canon.Client, requestID string, timeout time.Duration) (*canon.ChangeRequest, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for request to finish after %v", timeout)

		case <-ticker.C:
			req, err := client.GetChangeRequest(ctx, requestID)
			if err != nil {
				if canon.IsNotFound(err) {
					// Not stored yet, continue polling
					continue
				}
				return nil, fmt.Errorf("failed to query request: %w", err)
			}

			if req.State.Terminal() {
				return req, nil
			}
		}
	}
}

type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) FormatRequest(req *canon.ChangeRequest) error {
	_, err := fmt.Fprintf(f.writer, "✨ Request submitted: id=%s issue=%s by=%s entities=%d\n",
		req.ID, req.IssueID, req.Requester, len(req.Changes))
	return err
}

func (f *defaultFormatter) FormatTransition(entry *canon.LedgerEntry) error {
	var err error
	switch entry.To {
	case canon.StateAccepted:
		_, err = fmt.Fprintf(f.writer, "✅ Request accepted: id=%s\n", entry.RequestID)
	case canon.StateBlocked:
		_, err = fmt.Fprintf(f.writer, "⏳ Request blocked: id=%s reason=%q\n", entry.RequestID, entry.Reason)
	case canon.StatePublished:
		_, err = fmt.Fprintf(f.writer, "🎉 Request published: id=%s (%s)\n", entry.RequestID, entry.Reason)
	case canon.StateFailed:
		_, err = fmt.Fprintf(f.writer, "❌ Request failed: id=%s stage=%s reason=%q\n", entry.RequestID, entry.From, entry.Reason)
	case canon.StateAbandoned:
		_, err = fmt.Fprintf(f.writer, "🚫 Request abandoned: id=%s\n", entry.RequestID)
	default:
		_, err = fmt.Fprintf(f.writer, "⚙️ Stage started: id=%s stage=%s\n", entry.RequestID, entry.To)
	}
	return err
}

func (f *defaultFormatter) FormatError(err error) error {
	_, werr := fmt.Fprintf(f.writer, "⚠️ Event skipped: %v\n", err)
	return werr
}

type jsonFormatter struct {
	enc *json.Encoder
}

func (f *jsonFormatter) FormatRequest(req *canon.ChangeRequest) error {
	return f.enc.Encode(struct {
		Event   string               `json:"event"`
		Request *canon.ChangeRequest `json:"request"`
	}{Event: "request_submitted", Request: req})
}

func (f *jsonFormatter) FormatTransition(entry *canon.LedgerEntry) error {
	return f.enc.Encode(struct {
		Event string `json:"event"`
		*canon.LedgerEntry
	}{Event: "transition", LedgerEntry: entry})
}

func (f *jsonFormatter) FormatError(err error) error {
	return f.enc.Encode(struct {
		Event string `json:"event"`
		Error string `json:"error"`
	}{Event: "error", Error: err.Error()})
}
