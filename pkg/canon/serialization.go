package canon

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/warren/pkg/specgraph"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// the change set and the risk score are JSON-encoded into single hash fields.
// This keeps scalar fields individually readable while allowing structured
// payloads.

// ChangeRequestToHash converts a ChangeRequest to Redis hash format.
// The change set, risk score, and blocking list are JSON-encoded.
func ChangeRequestToHash(r *ChangeRequest) (map[string]interface{}, error) {
	changesJSON, err := json.Marshal(r.Changes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changes: %w", err)
	}

	blockingJSON, err := json.Marshal(r.Blocking)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blocking: %w", err)
	}

	hash := map[string]interface{}{
		"id":                 r.ID,
		"issue_id":           r.IssueID,
		"requester":          r.Requester,
		"approved":           r.Approved,
		"secondary_approved": r.SecondaryApproved,
		"cancel_requested":   r.CancelRequested,
		"changes":            string(changesJSON),
		"state":              string(r.State),
		"blocking":           string(blockingJSON),
		"submitted_at_ms":    r.SubmittedAtMs,
		"accepted_at_ms":     r.AcceptedAtMs,
		"finished_at_ms":     r.FinishedAtMs,
		"reason":             r.Reason,
		"failed_stage":       string(r.FailedStage),
		"diagnostic":         r.Diagnostic,
		"published_revision": r.PublishedRevision,
	}

	if r.Risk != nil {
		riskJSON, err := json.Marshal(r.Risk)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal risk: %w", err)
		}
		hash["risk"] = string(riskJSON)
	} else {
		hash["risk"] = ""
	}

	return hash, nil
}

// HashToChangeRequest converts a Redis hash to a ChangeRequest struct.
// JSON fields are decoded back to Go types.
func HashToChangeRequest(hash map[string]string) (*ChangeRequest, error) {
	var changes specgraph.ChangeSet
	if changesJSON := hash["changes"]; changesJSON != "" {
		if err := json.Unmarshal([]byte(changesJSON), &changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}

	var blocking []string
	if blockingJSON := hash["blocking"]; blockingJSON != "" {
		if err := json.Unmarshal([]byte(blockingJSON), &blocking); err != nil {
			return nil, fmt.Errorf("failed to unmarshal blocking: %w", err)
		}
	}
	if blocking == nil {
		blocking = []string{}
	}

	var risk *RiskScore
	if riskJSON := hash["risk"]; riskJSON != "" {
		risk = &RiskScore{}
		if err := json.Unmarshal([]byte(riskJSON), risk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk: %w", err)
		}
	}

	approved, _ := strconv.ParseBool(hash["approved"])
	secondaryApproved, _ := strconv.ParseBool(hash["secondary_approved"])
	cancelRequested, _ := strconv.ParseBool(hash["cancel_requested"])
	submittedAtMs, _ := strconv.ParseInt(hash["submitted_at_ms"], 10, 64)
	acceptedAtMs, _ := strconv.ParseInt(hash["accepted_at_ms"], 10, 64)
	finishedAtMs, _ := strconv.ParseInt(hash["finished_at_ms"], 10, 64)
	publishedRevision, _ := strconv.ParseInt(hash["published_revision"], 10, 64)

	request := &ChangeRequest{
		ID:                hash["id"],
		IssueID:           hash["issue_id"],
		Requester:         hash["requester"],
		Approved:          approved,
		SecondaryApproved: secondaryApproved,
		CancelRequested:   cancelRequested,
		Changes:           changes,
		State:             PipelineState(hash["state"]),
		Risk:              risk,
		Blocking:          blocking,
		SubmittedAtMs:     submittedAtMs,
		AcceptedAtMs:      acceptedAtMs,
		FinishedAtMs:      finishedAtMs,
		Reason:            hash["reason"],
		FailedStage:       PipelineState(hash["failed_stage"]),
		Diagnostic:        hash["diagnostic"],
		PublishedRevision: publishedRevision,
	}

	return request, nil
}
