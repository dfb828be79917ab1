package parse

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types crossing the worker boundary. Every payload is a tagged
// envelope; the tag is validated at the decode boundary before any field
// is trusted.
const (
	MsgUnifiedParseRequest  = "unified_parse_request"
	MsgUnifiedParseResponse = "unified_parse_response"
	MsgUpdateConfig         = "update_config"
	MsgClearCache           = "clear_cache"
	MsgInvalidateProject    = "invalidate_project_cache"
)

// Request is the envelope for a batch of operations sent to a worker
type Request struct {
	Type       string      `json:"type"`
	RequestID  string      `json:"request_id"`
	Operations []Operation `json:"operations"`
	BatchID    string      `json:"batch_id,omitempty"`
	Priority   Priority    `json:"priority,omitempty"`
}

// Response is the envelope a worker posts back for a correlated request
type Response struct {
	Type           string                  `json:"type"`
	RequestID      string                  `json:"request_id"`
	Tasks          map[string][]Task       `json:"tasks,omitempty"`
	Projects       map[string]*Project     `json:"projects,omitempty"`
	Metadata       map[string]NoteMetadata `json:"enhanced_metadata,omitempty"`
	ProcessingTime time.Duration           `json:"processing_time"`
	BatchMetadata  BatchMetadata           `json:"batch_metadata"`
	Errors         []BatchError            `json:"errors,omitempty"`
}

// Control is a fire-and-forget message broadcast to every worker.
// No response is correlated.
type Control struct {
	Type       string                 `json:"type"`
	ProjectID  string                 `json:"project_id,omitempty"`
	ConfigData map[string]interface{} `json:"config_data,omitempty"`
}

// Envelope is the decoded form of any message that crossed the boundary.
// Exactly one of the payload fields is non-nil.
type Envelope struct {
	Type     string
	Request  *Request
	Response *Response
	Control  *Control
}

// envelopeTag is used for the first-pass decode of the discriminator only
type envelopeTag struct {
	Type string `json:"type"`
}

// DecodeMessage validates and decodes a raw message into a typed envelope.
// Unknown or malformed messages are rejected here so nothing downstream
// handles untyped payloads.
func DecodeMessage(data []byte) (*Envelope, error) {
	var tag envelopeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("malformed message envelope: %w", err)
	}

	switch tag.Type {
	case MsgUnifiedParseRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("malformed parse request: %w", err)
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return &Envelope{Type: tag.Type, Request: &req}, nil

	case MsgUnifiedParseResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("malformed parse response: %w", err)
		}
		if resp.RequestID == "" {
			return nil, fmt.Errorf("parse response missing request id")
		}
		return &Envelope{Type: tag.Type, Response: &resp}, nil

	case MsgUpdateConfig, MsgClearCache, MsgInvalidateProject:
		var ctl Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			return nil, fmt.Errorf("malformed control message: %w", err)
		}
		if ctl.Type == MsgInvalidateProject && ctl.ProjectID == "" {
			return nil, fmt.Errorf("invalidate_project_cache missing project id")
		}
		return &Envelope{Type: tag.Type, Control: &ctl}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", tag.Type)
	}
}

// Validate checks a request envelope before dispatch or execution
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("parse request missing request id")
	}
	if len(r.Operations) == 0 {
		return fmt.Errorf("parse request %s has no operations", r.RequestID)
	}
	for i := range r.Operations {
		if err := r.Operations[i].Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Encode serializes any message for the worker boundary
func Encode(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
