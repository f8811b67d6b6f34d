package judit

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Response types carried by callbacks.
const (
	ResponseTypeLawsuit          = "lawsuit"
	ResponseTypeApplicationError = "application_error"
)

// DefaultErrorMessage is used when an application_error callback carries no message.
const DefaultErrorMessage = "unknown provider error"

// Callback is the webhook envelope the provider posts for an async search.
type Callback struct {
	ReferenceID string          `json:"reference_id,omitempty"`
	CallbackID  string          `json:"callback_id,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Payload     CallbackPayload `json:"payload"`
}

// CallbackPayload carries the outcome of one search.
type CallbackPayload struct {
	RequestID    string          `json:"request_id"`
	ResponseType string          `json:"response_type"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
}

// ParseCallback decodes a raw webhook body.
func ParseCallback(raw []byte) (*Callback, error) {
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, eris.Wrap(err, "judit: decode callback")
	}
	return &cb, nil
}

// Matched reports whether the callback carries search results.
func (p CallbackPayload) Matched() bool {
	return p.ResponseType == ResponseTypeLawsuit
}

// ProviderError reports whether the provider failed the search.
func (p CallbackPayload) ProviderError() bool {
	return p.ResponseType == ResponseTypeApplicationError
}

// ErrorMessage extracts response_data.message for application errors.
func (p CallbackPayload) ErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.ResponseData, &body); err != nil || body.Message == "" {
		return DefaultErrorMessage
	}
	return body.Message
}

// NormalizeProcesses turns a provider data field into a list of processes.
// A JSON array is split into its elements, a single value becomes a
// one-element list, and null or absent data is an empty list.
func NormalizeProcesses(data json.RawMessage) []json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err == nil {
			return list
		}
	}
	return []json.RawMessage{json.RawMessage(trimmed)}
}
