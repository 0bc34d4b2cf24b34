package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the agreed handshake version. The agent rejects
// functional traffic from peers that never acknowledged it.
const ProtocolVersion = "1.4"

// SystemNamespace tags system-level requests such as SetAPIKey.
const SystemNamespace = "SYSAPI"

// Agent module names functional requests are addressed to.
const (
	ModuleCommonUtils = "kz.gov.pki.knca.commonUtils"
	ModuleBasics      = "kz.gov.pki.knca.basics"
)

var (
	// ErrEmptyFrame is returned when a frame contains no payload
	ErrEmptyFrame = errors.New("contracts: empty frame")
	// ErrNotJSON is returned when a frame is not a JSON object
	ErrNotJSON = errors.New("contracts: frame is not a JSON object")
)

// Kind discriminates the parsed form of a wire frame.
type Kind int

const (
	// KindOpaque is a valid JSON object matching no known shape
	KindOpaque Kind = iota
	// KindHandshake is the version probe/acknowledgement
	KindHandshake
	// KindRequest is a functional request
	KindRequest
	// KindResponse is a functional response
	KindResponse
	// KindError is a functional response reporting failure
	KindError
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "opaque"
	}
}

// Request is the canonical functional request. The agent protocol grew
// several overlapping addressing styles (module+method, Function+Param,
// type/action), so all of them are optional and omitempty.
type Request struct {
	ID        *uint64        `json:"id,omitempty"`
	Module    string         `json:"module,omitempty"`
	Type      string         `json:"type,omitempty"`
	Action    string         `json:"action,omitempty"`
	Method    string         `json:"method,omitempty"`
	Function  string         `json:"Function,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Param     map[string]any `json:"Param,omitempty"`
}

// Operation returns the dispatch operation name, whichever addressing
// style the caller used.
func (r *Request) Operation() string {
	switch {
	case r.Method != "":
		return r.Method
	case r.Function != "":
		return r.Function
	case r.Action != "":
		return r.Action
	default:
		return r.Type
	}
}

// ParamString returns a string-valued Param entry, or "" when absent.
func (r *Request) ParamString(key string) string {
	if r.Param == nil {
		return ""
	}
	s, _ := r.Param[key].(string)
	return s
}

// Response is the canonical functional response. The remote agent does
// not reliably populate any single field, so correlation works off ID
// and Function when present and falls back to arrival order otherwise.
type Response struct {
	ID          *uint64         `json:"id,omitempty"`
	Function    string          `json:"Function,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Status      json.RawMessage `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
	EncryptData string          `json:"encryptData,omitempty"`
	EncryptKey  string          `json:"encryptKey,omitempty"`
	Sign        string          `json:"sign,omitempty"`
}

// Failed reports whether the response carries an explicit failure.
func (r *Response) Failed() bool {
	if r.Success != nil && !*r.Success {
		return true
	}
	return len(r.Error) > 0 && !bytes.Equal(r.Error, []byte("null"))
}

// Successful reports whether the payload satisfies the "successful
// result" shape used by continuation delivery: some result content and
// no explicit failure.
func (r *Response) Successful() bool {
	if r.Failed() {
		return false
	}
	return len(r.Result) > 0 || r.Sign != "" || r.EncryptData != ""
}

// ErrorText renders the error field, which the agent emits either as a
// bare string or as a structured object.
func (r *Response) ErrorText() string {
	if len(r.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(r.Error)
}

// Handshake is the fixed version probe/acknowledgement exchanged before
// functional traffic: {"result":{"version":"1.4"}}.
type Handshake struct {
	Result struct {
		Version string `json:"version"`
	} `json:"result"`
}

// Message is a parsed wire frame. Raw always holds the original bytes;
// exactly one of Handshake, Request, Response is set depending on Kind
// (KindError populates Response).
type Message struct {
	Kind      Kind
	Raw       []byte
	Handshake *Handshake
	Request   *Request
	Response  *Response
}

// Parse classifies one frame. Frames that are not JSON objects fail
// with an error so callers can drop them without touching pending
// state.
func Parse(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyFrame
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	msg := &Message{Raw: trimmed}

	// Handshake: a result object carrying only a version.
	if raw, ok := fields["result"]; ok && isVersionOnly(raw) {
		var hs Handshake
		if err := json.Unmarshal(trimmed, &hs); err == nil && hs.Result.Version != "" {
			msg.Kind = KindHandshake
			msg.Handshake = &hs
			return msg, nil
		}
	}

	if hasAny(fields, "module", "Function", "method", "action") && !hasAny(fields, "result", "success", "error", "sign", "encryptData") {
		var req Request
		if err := json.Unmarshal(trimmed, &req); err == nil {
			msg.Kind = KindRequest
			msg.Request = &req
			return msg, nil
		}
	}

	if hasAny(fields, "result", "success", "error", "status", "message", "sign", "encryptData", "encryptKey") {
		var resp Response
		if err := json.Unmarshal(trimmed, &resp); err == nil {
			if resp.Failed() {
				msg.Kind = KindError
			} else {
				msg.Kind = KindResponse
			}
			msg.Response = &resp
			return msg, nil
		}
	}

	msg.Kind = KindOpaque
	return msg, nil
}

// isVersionOnly reports whether a result object carries nothing but the
// protocol version, which distinguishes the handshake from functional
// responses that also populate result.
func isVersionOnly(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	if len(m) != 1 {
		return false
	}
	_, ok := m["version"]
	return ok
}

func hasAny(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

// HandshakeAck encodes the fixed handshake acknowledgement.
func HandshakeAck() []byte {
	hs := Handshake{}
	hs.Result.Version = ProtocolVersion
	data, _ := json.Marshal(hs)
	return data
}

// Encode marshals an outbound value to one wire frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("contracts: encode frame: %w", err)
	}
	return data, nil
}
