// Package ws implements the pub/sub wire for inspection progress: JSON
// envelopes over persistent WebSocket connections, a server-side hub that
// fans events out per job id, and a client-side subscription manager with
// reconnection and offline queueing.
package ws

import (
	"encoding/json"
	"time"

	"github.com/cloudvet/cloudvet/pkg/models"
)

// Message types carried in the envelope.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscribe             = "subscribe_inspection"
	TypeUnsubscribe           = "unsubscribe_inspection"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeProgressUpdate        = "progress_update"
	TypeStatusChange          = "status_change"
	TypeInspectionComplete    = "inspection_complete"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Envelope is the wire frame: a type tag plus a type-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope. Marshal failures are a
// programming error and surface as an error-typed envelope.
func NewEnvelope(typ string, data any) Envelope {
	if data == nil {
		return Envelope{Type: typ}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(ErrorData{Message: "marshal payload: " + err.Error()})
		return Envelope{Type: TypeError, Data: raw}
	}
	return Envelope{Type: typ, Data: raw}
}

// SubscribeData is the payload of subscribe/unsubscribe requests and of
// subscription confirmations.
type SubscribeData struct {
	InspectionID    string `json:"inspectionId"`
	SubscriberCount int    `json:"subscriberCount,omitempty"`
}

// ProgressUpdateData is pushed on every progress change.
type ProgressUpdateData struct {
	InspectionID string          `json:"inspectionId"`
	Progress     models.Progress `json:"progress"`
	Timestamp    time.Time       `json:"timestamp"`
}

// StatusChangeData is pushed on lifecycle transitions.
type StatusChangeData struct {
	InspectionID string           `json:"inspectionId"`
	Status       models.JobStatus `json:"status"`
	PreviousStep string           `json:"previousStep,omitempty"`
	StepChange   string           `json:"stepChange,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// InspectionCompleteData is the terminal event for a job. Results carries
// the findings and summary, including partial data on failure.
type InspectionCompleteData struct {
	InspectionID string            `json:"inspectionId"`
	Status       models.JobStatus  `json:"status"`
	Results      CompletionResults `json:"results"`
	Duration     time.Duration     `json:"duration"`
	Timestamp    time.Time         `json:"timestamp"`
}

// CompletionResults is the result payload inside InspectionCompleteData.
type CompletionResults struct {
	Findings      []models.Finding `json:"findings,omitempty"`
	Summary       *models.Summary  `json:"summary,omitempty"`
	Partial       bool             `json:"partial,omitempty"`
	FailureReason string           `json:"failureReason,omitempty"`
}

// ErrorData is the payload of error envelopes.
type ErrorData struct {
	Message string `json:"message"`
}
