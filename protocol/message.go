// Package protocol implements the JSON-RPC 2.0 message model and wire
// codec shared by every transport and role in the engine.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates the four message variants the wire protocol carries.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindError
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is the tagged union of Request/Response/ErrorResponse/
// Notification described in spec §3. Only the fields relevant to Kind are
// populated; the codec never interprets Params/Result/Error.Data, which are
// carried as opaque JSON subtrees.
type Message struct {
	Kind   Kind
	ID     RequestID // set for Request, Response, and (optionally) Error
	Method string    // set for Request and Notification
	Params json.RawMessage
	Result json.RawMessage // set for Response; explicit JSON null if absent upstream
	Err    *JSONRPCError   // set for Error
}

// NewRequest builds a Request message. params may be nil.
func NewRequest(id RequestID, method string, params json.RawMessage) *Message {
	return &Message{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// NewNotification builds a Notification message (no id).
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Kind: KindNotification, Method: method, Params: params}
}

// NewResponse builds a Response message. A nil result is encoded as JSON null.
func NewResponse(id RequestID, result json.RawMessage) *Message {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Message{Kind: KindResponse, ID: id, Result: result}
}

// NewErrorResponse builds an ErrorResponse message. id may be the zero
// RequestID when the failing request could not be identified (parse error).
func NewErrorResponse(id RequestID, err *JSONRPCError) *Message {
	return &Message{Kind: KindError, ID: id, Err: err}
}

func (m *Message) IsRequest() bool      { return m.Kind == KindRequest }
func (m *Message) IsResponse() bool     { return m.Kind == KindResponse }
func (m *Message) IsError() bool        { return m.Kind == KindError }
func (m *Message) IsNotification() bool { return m.Kind == KindNotification }

// wireRequest/wireResponse/wireError mirror the teacher's JSONRPCMessage /
// JSONRPCResponse / JSONRPCErrorResponse split (shared/jsonrpc.go): distinct
// structs per variant give us the canonical field order spec §4.1 requires,
// since Go struct field order is preserved on marshal.
type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type wireError struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      *RequestID    `json:"id"`
	Error   *JSONRPCError `json:"error"`
}

// Encode serializes m to its canonical JSON-RPC 2.0 form. The result never
// contains an embedded newline.
func Encode(m *Message) ([]byte, error) {
	switch m.Kind {
	case KindRequest, KindNotification:
		w := wireRequest{JSONRPC: "2.0", Method: m.Method, Params: m.Params}
		if m.Kind == KindRequest {
			id := m.ID
			w.ID = &id
		}
		return json.Marshal(w)
	case KindResponse:
		result := m.Result
		if result == nil {
			result = json.RawMessage("null")
		}
		return json.Marshal(wireResponse{JSONRPC: "2.0", ID: m.ID, Result: result})
	case KindError:
		var idPtr *RequestID
		if !m.ID.IsZero() {
			id := m.ID
			idPtr = &id
		}
		return json.Marshal(wireError{JSONRPC: "2.0", ID: idPtr, Error: m.Err})
	default:
		return nil, fmt.Errorf("protocol: unknown message kind %v", m.Kind)
	}
}

// rawEnvelope is used only for decode-time field sniffing; it never drives
// encoding. Error is left as raw JSON rather than *JSONRPCError so Decode can
// tell an absent code/message apart from an explicit zero value.
type rawEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// wireErrorObject mirrors JSONRPCError but with pointer Code/Message so a
// missing field can be distinguished from one present with its zero value.
type wireErrorObject struct {
	Code    *int            `json:"code"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses one JSON-RPC 2.0 message and discriminates its variant per
// spec §3's ordered rule: method+id -> Request, method only -> Notification,
// result+id -> Response, error -> ErrorResponse, else ErrIndeterminateShape.
func Decode(data []byte) (*Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseError, err)
	}
	if env.JSONRPC != "2.0" {
		return nil, ErrBadVersion
	}

	hasID := env.ID != nil && !env.ID.IsZero()
	switch {
	case env.Method != nil && hasID:
		return &Message{Kind: KindRequest, ID: *env.ID, Method: *env.Method, Params: env.Params}, nil
	case env.Method != nil:
		return &Message{Kind: KindNotification, Method: *env.Method, Params: env.Params}, nil
	case env.Result != nil && hasID:
		return &Message{Kind: KindResponse, ID: *env.ID, Result: env.Result}, nil
	case len(env.Error) > 0 && !bytes.Equal(env.Error, []byte("null")):
		var werr wireErrorObject
		if err := json.Unmarshal(env.Error, &werr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedError, err)
		}
		if werr.Code == nil || werr.Message == nil {
			return nil, ErrMalformedError
		}
		var data interface{}
		if len(werr.Data) > 0 {
			if err := json.Unmarshal(werr.Data, &data); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedError, err)
			}
		}
		id := RequestID{}
		if env.ID != nil {
			id = *env.ID
		}
		return &Message{Kind: KindError, ID: id, Err: &JSONRPCError{Code: *werr.Code, Message: *werr.Message, Data: data}}, nil
	default:
		return nil, ErrIndeterminateShape
	}
}
