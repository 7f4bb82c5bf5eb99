package wire

import (
	"encoding/json"
	"fmt"
)

// Control-channel message types (UTF-8 JSON, one message per frame).
const (
	ControlTypeStartTerminal   = "start_terminal"
	ControlTypeCloseTerminal   = "close_terminal"
	ControlTypeHandshake       = "control_handshake"
	ControlTypeTerminalStarted = "terminal_started"
	ControlTypeTerminalClosed  = "terminal_closed"
)

// StartTerminalMessage is sent relay -> producer to request a new terminal.
type StartTerminalMessage struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	RequestID string `json:"requestId"`
}

// CloseTerminalMessage is sent relay -> producer to request a terminal close.
type CloseTerminalMessage struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Signal string `json:"signal,omitempty"`
}

// ControlHandshakeMessage is sent producer -> relay on control attach.
type ControlHandshakeMessage struct {
	Type       string `json:"type"`
	Version    string `json:"version"`
	Hostname   string `json:"hostname,omitempty"`
	Username   string `json:"username,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
}

// TerminalStartedMessage is sent producer -> relay in response to start_terminal.
type TerminalStartedMessage struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// TerminalClosedMessage is sent producer -> relay when a terminal exits.
type TerminalClosedMessage struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	ExitCode int    `json:"exitCode"`
}

// EncodeStartTerminal marshals a start_terminal control message.
func EncodeStartTerminal(name string, cols, rows int, requestID string) ([]byte, error) {
	return json.Marshal(StartTerminalMessage{
		Type:      ControlTypeStartTerminal,
		Name:      name,
		Cols:      cols,
		Rows:      rows,
		RequestID: requestID,
	})
}

// EncodeCloseTerminal marshals a close_terminal control message.
func EncodeCloseTerminal(name, signal string) ([]byte, error) {
	return json.Marshal(CloseTerminalMessage{
		Type:   ControlTypeCloseTerminal,
		Name:   name,
		Signal: signal,
	})
}

// ControlMessage is the decoded form of any producer -> relay control-channel
// line, tagged by Type. Exactly one of the typed fields is populated.
type ControlMessage struct {
	Type            string
	Handshake       ControlHandshakeMessage
	TerminalStarted TerminalStartedMessage
	TerminalClosed  TerminalClosedMessage
}

// DecodeControlMessage decodes a single UTF-8 JSON line from the control
// channel. Malformed JSON or an unrecognised type yields an error for the
// caller to log and drop; it never panics.
func DecodeControlMessage(line []byte) (ControlMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: decode control envelope: %w", err)
	}

	switch envelope.Type {
	case ControlTypeHandshake:
		var m ControlHandshakeMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return ControlMessage{}, fmt.Errorf("wire: decode control_handshake: %w", err)
		}
		return ControlMessage{Type: envelope.Type, Handshake: m}, nil

	case ControlTypeTerminalStarted:
		var m TerminalStartedMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return ControlMessage{}, fmt.Errorf("wire: decode terminal_started: %w", err)
		}
		return ControlMessage{Type: envelope.Type, TerminalStarted: m}, nil

	case ControlTypeTerminalClosed:
		var m TerminalClosedMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return ControlMessage{}, fmt.Errorf("wire: decode terminal_closed: %w", err)
		}
		return ControlMessage{Type: envelope.Type, TerminalClosed: m}, nil

	default:
		return ControlMessage{}, fmt.Errorf("wire: unknown control message type %q", envelope.Type)
	}
}
