package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/devicelab-dev/stepflow/pkg/core"
)

// Request is the envelope serialized into the string handed to the native host.
type Request struct {
	Method     string      `json:"method"`
	Arguments  interface{} `json:"arguments,omitempty"`
	Node       interface{} `json:"node,omitempty"`
	Nodes      interface{} `json:"nodes,omitempty"`
	CallbackID string      `json:"callbackId,omitempty"`
}

// Encode serializes the request for a transport.
func (r Request) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal request %s: %w", r.Method, err)
	}
	return string(data), nil
}

// Response is the envelope returned by the native host. Code 0 means success.
type Response struct {
	Code       int             `json:"code"`
	Data       json.RawMessage `json:"data"`
	CallbackID string          `json:"callbackId,omitempty"`
}

// ParseResponse decodes a raw envelope. An empty string is a failed call.
func ParseResponse(raw string) (*Response, error) {
	if raw == "" {
		return nil, core.ErrCallFailed.WithMessage("bridge returned no response")
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, core.ErrCallFailed.WithCause(fmt.Errorf("decode response: %w", err))
	}
	return &resp, nil
}

// EmptyResponse is the synthetic success delivered when an async call times out.
func EmptyResponse(callbackID string) *Response {
	return &Response{Code: 0, CallbackID: callbackID}
}

// IsSuccess reports whether the host accepted the call.
func (r *Response) IsSuccess() bool {
	return r.Code == 0
}

// HasData reports whether the envelope carries a non-null payload.
func (r *Response) HasData() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}

// Decode unmarshals the payload into v. A null payload is ErrEmptyResponse.
func (r *Response) Decode(v interface{}) error {
	if !r.HasData() {
		return core.ErrEmptyResponse
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return core.ErrCallFailed.WithCause(fmt.Errorf("decode data: %w", err))
	}
	return nil
}

// DataOrDefault decodes the payload into a T, returning def when the payload
// is null. A malformed payload is still an error.
func DataOrDefault[T any](r *Response, def T) (T, error) {
	if r == nil || !r.HasData() {
		return def, nil
	}
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return def, core.ErrCallFailed.WithCause(fmt.Errorf("decode data: %w", err))
	}
	return v, nil
}
