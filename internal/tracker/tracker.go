// Package tracker extracts the editor's cursor from intercepted LSP traffic.
//
// Everything here is pure: no I/O, no goroutines, no clocks. The router owns
// the timers that drive the Debouncer.
package tracker

import (
	"encoding/json"
	"fmt"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/dshills/goalproxy/internal/lsp"
)

// Kind is the routing class of an inbound message.
type Kind int

const (
	// KindTransparent messages are forwarded with no further processing.
	KindTransparent Kind = iota
	// KindPosition messages carry a document and a cursor position.
	KindPosition
	// KindLifecycle messages open, change or close a document.
	KindLifecycle
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransparent:
		return "transparent"
	case KindPosition:
		return "position"
	case KindLifecycle:
		return "lifecycle"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Classify returns the routing class for method. A didChange notification is
// position-bearing only when one of its content changes has a range.
func Classify(method string, params []byte) Kind {
	switch method {
	case lsp.MethodHover,
		lsp.MethodDefinition,
		lsp.MethodTypeDefinition,
		lsp.MethodImplementation,
		lsp.MethodReferences,
		lsp.MethodDocumentHighlight,
		lsp.MethodSignatureHelp,
		lsp.MethodCompletion:
		return KindPosition
	case lsp.MethodDidChange:
		if _, ok := editPosition(params); ok {
			return KindPosition
		}
		return KindLifecycle
	case lsp.MethodDidOpen, lsp.MethodDidClose:
		return KindLifecycle
	default:
		return KindTransparent
	}
}

// Cursor is a document-relative cursor position.
type Cursor struct {
	// URI is the document URI exactly as the editor sent it.
	URI string

	// Key is the normalized document identity.
	Key string

	Position protocol.Position

	// Method is the LSP method the position was taken from.
	Method string
}

// IsEdit reports whether the cursor came from a live-typing notification.
func (c Cursor) IsEdit() bool {
	return c.Method == lsp.MethodDidChange
}

// Extract returns the cursor carried by a position-bearing message.
func Extract(method string, params []byte) (Cursor, bool) {
	if Classify(method, params) != KindPosition {
		return Cursor{}, false
	}

	if method == lsp.MethodDidChange {
		pos, ok := editPosition(params)
		if !ok {
			return Cursor{}, false
		}
		pos.Method = method
		return pos, true
	}

	var p protocol.TextDocumentPositionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Cursor{}, false
	}
	uri := string(p.TextDocument.URI)
	if uri == "" {
		return Cursor{}, false
	}
	return Cursor{
		URI:      uri,
		Key:      NormalizeURI(uri),
		Position: p.Position,
		Method:   method,
	}, true
}

// editPosition returns the insertion point of a didChange notification: the
// start of the first content change that has a range. Whole-document
// replacements carry no position.
func editPosition(params []byte) (Cursor, bool) {
	if len(params) == 0 {
		return Cursor{}, false
	}
	var p protocol.DidChangeTextDocumentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Cursor{}, false
	}
	uri := string(p.TextDocument.URI)
	if uri == "" {
		return Cursor{}, false
	}
	for _, change := range p.ContentChanges {
		switch c := change.(type) {
		case protocol.TextDocumentContentChangeEvent:
			if c.Range == nil {
				continue
			}
			return Cursor{URI: uri, Key: NormalizeURI(uri), Position: c.Range.Start}, true
		case *protocol.TextDocumentContentChangeEvent:
			if c == nil || c.Range == nil {
				continue
			}
			return Cursor{URI: uri, Key: NormalizeURI(uri), Position: c.Range.Start}, true
		}
	}
	return Cursor{}, false
}

// DocumentOp is the effect a lifecycle notification has on a document.
type DocumentOp int

const (
	// OpOpen adds the document.
	OpOpen DocumentOp = iota
	// OpChange updates the document version.
	OpChange
	// OpClose removes the document.
	OpClose
)

// String returns the operation name.
func (op DocumentOp) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpChange:
		return "change"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", int(op))
	}
}

// DocumentEvent describes a lifecycle notification.
type DocumentEvent struct {
	Op         DocumentOp
	URI        string
	Key        string
	Version    int32
	LanguageID string
}

// Lifecycle decodes didOpen, didChange and didClose notifications.
func Lifecycle(method string, params []byte) (DocumentEvent, bool) {
	var ev DocumentEvent
	switch method {
	case lsp.MethodDidOpen:
		var p protocol.DidOpenTextDocumentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return ev, false
		}
		ev = DocumentEvent{
			Op:         OpOpen,
			URI:        string(p.TextDocument.URI),
			Version:    int32(p.TextDocument.Version),
			LanguageID: p.TextDocument.LanguageID,
		}
	case lsp.MethodDidChange:
		var p protocol.DidChangeTextDocumentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return ev, false
		}
		ev = DocumentEvent{
			Op:      OpChange,
			URI:     string(p.TextDocument.URI),
			Version: int32(p.TextDocument.Version),
		}
	case lsp.MethodDidClose:
		var p protocol.DidCloseTextDocumentParams
		if err := json.Unmarshal(params, &p); err != nil {
			return ev, false
		}
		ev = DocumentEvent{Op: OpClose, URI: string(p.TextDocument.URI)}
	default:
		return ev, false
	}
	if ev.URI == "" {
		return DocumentEvent{}, false
	}
	ev.Key = NormalizeURI(ev.URI)
	return ev, true
}
