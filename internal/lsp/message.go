package lsp

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind classifies a JSON-RPC message by shape.
type Kind int

const (
	// KindRequest has a method and an id.
	KindRequest Kind = iota
	// KindNotification has a method and no id.
	KindNotification
	// KindResponse has an id, no method, and a result or an error.
	KindResponse
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Message is a classified view over a raw frame body. Raw is never modified.
type Message struct {
	Kind   Kind
	Method string

	// ID is the raw JSON of the id member (number, string or null).
	ID []byte

	// Params is the raw JSON of the params member, if present.
	Params []byte

	Raw []byte
}

// Parse classifies a frame body without decoding it.
func Parse(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	fields := root.Map()
	method, hasMethod := fields["method"]
	id, hasID := fields["id"]
	params := fields["params"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]

	msg := Message{Raw: raw}
	if params.Exists() {
		msg.Params = []byte(params.Raw)
	}

	switch {
	case hasMethod && method.Type == gjson.String:
		msg.Method = method.Str
		if hasID && id.Type != gjson.Null {
			msg.Kind = KindRequest
			msg.ID = []byte(id.Raw)
		} else {
			msg.Kind = KindNotification
		}
	case hasID && (hasResult || hasError):
		msg.Kind = KindResponse
		msg.ID = []byte(id.Raw)
	default:
		return Message{}, fmt.Errorf("%w: neither request, notification nor response", ErrMalformedMessage)
	}
	return msg, nil
}

// NumericID returns the id as an integer when it is a JSON number.
func (m Message) NumericID() (int64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	res := gjson.ParseBytes(m.ID)
	if res.Type != gjson.Number {
		return 0, false
	}
	n, err := strconv.ParseInt(res.Raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Result returns the raw result member and the decoded error member of a
// response.
func (m Message) Result() (json.RawMessage, *RPCError) {
	if errRes := gjson.GetBytes(m.Raw, "error"); errRes.Exists() && errRes.Type != gjson.Null {
		rpcErr := &RPCError{}
		if err := json.Unmarshal([]byte(errRes.Raw), rpcErr); err != nil {
			return nil, &RPCError{Code: CodeInternalError, Message: "malformed error object"}
		}
		return nil, rpcErr
	}
	res := gjson.GetBytes(m.Raw, "result")
	if !res.Exists() {
		return nil, nil
	}
	return json.RawMessage(res.Raw), nil
}

// WithID returns a copy of raw whose id member is replaced by id (raw JSON).
// All other bytes are preserved.
func WithID(raw []byte, id []byte) ([]byte, error) {
	out, err := sjson.SetRawBytes(raw, "id", id)
	if err != nil {
		return nil, fmt.Errorf("rewrite id: %w", err)
	}
	return out, nil
}

// WithNumericID is WithID for a router-local integer id.
func WithNumericID(raw []byte, id int64) ([]byte, error) {
	return WithID(raw, strconv.AppendInt(nil, id, 10))
}

// CancelTarget returns the raw id referenced by a $/cancelRequest notification.
func CancelTarget(params []byte) ([]byte, bool) {
	res := gjson.GetBytes(params, "id")
	if !res.Exists() {
		return nil, false
	}
	return []byte(res.Raw), true
}

// WithCancelTarget rewrites params.id of a $/cancelRequest notification.
func WithCancelTarget(raw []byte, id []byte) ([]byte, error) {
	out, err := sjson.SetRawBytes(raw, "params.id", id)
	if err != nil {
		return nil, fmt.Errorf("rewrite cancel id: %w", err)
	}
	return out, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest encodes a request originated by the proxy.
func NewRequest(id int64, method string, params any) ([]byte, error) {
	data, err := json.Marshal(&request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request %s: %w", method, err)
	}
	return data, nil
}

// NewNotification encodes a notification originated by the proxy.
func NewNotification(method string, params any) ([]byte, error) {
	data, err := json.Marshal(&notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal notification %s: %w", method, err)
	}
	return data, nil
}
