package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/dshills/goalproxy/internal/lsp"
	"github.com/dshills/goalproxy/internal/proof"
)

// Message types written to display clients, one JSON object per line.
const (
	TypeConnected = "connected"
	TypeSnapshot  = "snapshot"
	TypeCursor    = "cursor"
	TypeClosed    = "closed"
)

type helloMessage struct {
	Type       string   `json:"type"`
	Subscriber string   `json:"subscriber"`
	Documents  []string `json:"documents"`
}

type snapshotMessage struct {
	Type string `json:"type"`
	proof.Snapshot
}

// Cursor is the latest editor cursor, mirrored to display clients.
type Cursor struct {
	URI      string            `json:"uri"`
	Position protocol.Position `json:"position"`
	Method   string            `json:"method"`
}

type cursorMessage struct {
	Type string `json:"type"`
	Cursor
}

type closedMessage struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// CommandType identifies a display-client command.
type CommandType int

const (
	// CommandNavigate asks the editor to show a location.
	CommandNavigate CommandType = iota
	// CommandHypothesisLocation asks the proxy to resolve a hypothesis to
	// its definition and navigate there.
	CommandHypothesisLocation
)

// String returns the wire name of the command type.
func (t CommandType) String() string {
	switch t {
	case CommandNavigate:
		return "navigate"
	case CommandHypothesisLocation:
		return "hypothesisLocation"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Command is a request read from a display client.
type Command struct {
	Type       CommandType
	URI        string
	Position   protocol.Position
	Info       json.RawMessage
	Subscriber string
}

type wireCommand struct {
	Type      string             `json:"type"`
	URI       string             `json:"uri"`
	Line      *uint32            `json:"line"`
	Character *uint32            `json:"character"`
	Position  *protocol.Position `json:"position"`
	Info      json.RawMessage    `json:"info"`
}

// ParseCommand decodes one command line. Both "navigate" and "Navigate",
// "hypothesisLocation" and "GetHypothesisLocation" are accepted, with the
// position given either flat (line, character) or as a position object. The
// uri may also be a plain file path.
func ParseCommand(line []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(line, &w); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrBadCommand, err)
	}
	var cmd Command
	switch strings.ToLower(w.Type) {
	case "navigate":
		cmd.Type = CommandNavigate
	case "hypothesislocation", "gethypothesislocation":
		cmd.Type = CommandHypothesisLocation
	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrBadCommand, w.Type)
	}
	if w.URI == "" {
		return Command{}, fmt.Errorf("%w: missing uri", ErrBadCommand)
	}
	cmd.URI = lsp.DocumentURI(w.URI)
	switch {
	case w.Position != nil:
		cmd.Position = *w.Position
	case w.Line != nil && w.Character != nil:
		cmd.Position = protocol.Position{Line: protocol.UInteger(*w.Line), Character: protocol.UInteger(*w.Character)}
	default:
		return Command{}, fmt.Errorf("%w: missing position", ErrBadCommand)
	}
	if cmd.Type == CommandHypothesisLocation {
		if len(w.Info) == 0 || string(w.Info) == "null" {
			return Command{}, fmt.Errorf("%w: missing info", ErrBadCommand)
		}
		cmd.Info = w.Info
	}
	return cmd, nil
}
