package model

import (
	"encoding/json"
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusProcessing        BatchStatus = "processing"
	BatchStatusAwaitingCallbacks BatchStatus = "awaiting_callbacks"
	BatchStatusCompleted         BatchStatus = "completed"
	BatchStatusFailed            BatchStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Mode selects how the provider delivers results.
type Mode string

const (
	// ModeSync has the provider answer inline with the create call.
	ModeSync Mode = "sync"
	// ModeAsync sends a callback URL and waits for a webhook per record.
	ModeAsync Mode = "async"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSync || m == ModeAsync
}

// ModeFromOnDemand maps the API's on_demand flag to a Mode. An on-demand
// search runs live at the provider and reports back through the webhook;
// otherwise the provider answers inline from its database.
func ModeFromOnDemand(onDemand bool) Mode {
	if onDemand {
		return ModeAsync
	}
	return ModeSync
}

// Record is one input row as submitted by the caller.
type Record map[string]any

// Batch is one submitted group of records.
type Batch struct {
	ID              string      `json:"batch_id"`
	Total           int         `json:"total"`
	Processed       int         `json:"processed"`
	Success         int         `json:"success"`
	Error           int         `json:"error"`
	Skipped         int         `json:"skipped"`
	Dispatched      int         `json:"dispatched"`
	Mode            Mode        `json:"mode"`
	WithAttachments bool        `json:"with_attachments"`
	Status          BatchStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Expected returns the number of records that will produce a Result.
func (b *Batch) Expected() int {
	return b.Total - b.Skipped
}

// Outstanding returns how many Results are still missing.
func (b *Batch) Outstanding() int {
	return b.Expected() - b.Processed
}

// OnDemand reports whether the batch waits on webhook callbacks.
func (b *Batch) OnDemand() bool {
	return b.Mode == ModeAsync
}

// CounterDelta is an increment applied atomically to a batch's counters.
type CounterDelta struct {
	Success int
	Error   int
	Skipped int
}

// ForOutcome returns a delta counting one result with the given outcome.
func ForOutcome(o Outcome) CounterDelta {
	if o == OutcomeSuccess {
		return CounterDelta{Success: 1}
	}
	return CounterDelta{Error: 1}
}

// RequestStatus is the lifecycle of an outbound async search.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusErrored   RequestStatus = "errored"
)

// SubjectKind says whether a tax ID belongs to a person or an organization.
// The values match the provider's search_type.
type SubjectKind string

const (
	SubjectPerson       SubjectKind = "cpf"
	SubjectOrganization SubjectKind = "cnpj"
)

// Subject identifies who a record is searched for.
type Subject struct {
	ID          string      `json:"subject_id"`
	Kind        SubjectKind `json:"subject_kind"`
	Name        string      `json:"name"`
	Affiliation string      `json:"affiliation"`
}

// Request correlates an async search with the provider's callback.
type Request struct {
	ID                string        `json:"request_id"`
	ProviderRequestID string        `json:"provider_request_id"`
	BatchID           string        `json:"batch_id"`
	Subject           Subject       `json:"subject"`
	Status            RequestStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Outcome is the final verdict for one record.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Result is the final outcome for one input record. Results are append-only.
type Result struct {
	ID           string          `json:"result_id"`
	BatchID      string          `json:"batch_id"`
	RequestID    string          `json:"request_id,omitempty"`
	Subject      Subject         `json:"subject"`
	Outcome      Outcome         `json:"outcome"`
	ProcessCount int             `json:"process_count"`
	Processes    json.RawMessage `json:"processes"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// NewSuccessResult builds a success Result from a normalized process list.
func NewSuccessResult(batchID, requestID string, subject Subject, processes []json.RawMessage) *Result {
	raw, _ := json.Marshal(processes)
	if processes == nil {
		raw = json.RawMessage("[]")
	}
	return &Result{
		BatchID:      batchID,
		RequestID:    requestID,
		Subject:      subject,
		Outcome:      OutcomeSuccess,
		ProcessCount: len(processes),
		Processes:    raw,
		CompletedAt:  time.Now().UTC(),
	}
}

// NewErrorResult builds an error Result carrying detail.
func NewErrorResult(batchID, requestID string, subject Subject, detail string) *Result {
	if detail == "" {
		detail = "unknown error"
	}
	return &Result{
		BatchID:     batchID,
		RequestID:   requestID,
		Subject:     subject,
		Outcome:     OutcomeError,
		Processes:   json.RawMessage("[]"),
		ErrorDetail: detail,
		CompletedAt: time.Now().UTC(),
	}
}
