// Package wire implements the relay's binary and JSON wire formats: the
// producer-data frame codec, the control-channel JSON line protocol, and the
// viewer-channel JSON/binary protocol described in spec §4.1 and §6.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Prefix bytes used on the producer-data channel. The same byte values carry
// different meanings depending on direction, so encode and decode are kept
// in separate, direction-specific functions rather than a single enum.
const (
	PrefixInput           byte = 0x30 // relay -> producer: input bytes
	PrefixResize          byte = 0x31 // relay -> producer: {cols,rows}
	PrefixPause           byte = 0x32 // relay -> producer: pause
	PrefixResume          byte = 0x33 // relay -> producer: resume
	PrefixSnapshotRequest byte = 0x34 // relay -> producer: {requestId}

	PrefixOutput   byte = 0x30 // producer -> relay: output bytes
	PrefixHandshake byte = 0x31 // producer -> relay: handshake JSON
	PrefixExit      byte = 0x32 // producer -> relay: exit JSON
	PrefixSnapshot  byte = 0x33 // producer -> relay: snapshot JSON
)

// ErrEmptyFrame is returned for a zero-length frame.
var ErrEmptyFrame = errors.New("wire: empty frame")

// ErrUnknownPrefix is returned when a frame's prefix byte is not recognised
// for the direction being decoded.
var ErrUnknownPrefix = errors.New("wire: unknown frame prefix")

// ResizePayload is the JSON body of a resize frame.
type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// SnapshotRequestPayload is the JSON body of a snapshot-request frame.
type SnapshotRequestPayload struct {
	RequestID string `json:"requestId"`
}

// HandshakePayload is the JSON body of a producer data-channel handshake.
type HandshakePayload struct {
	Version string `json:"version"`
	Shell   string `json:"shell"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// SnapshotPayload is the JSON body of a producer snapshot-response frame.
type SnapshotPayload struct {
	RequestID string `json:"requestId"`
	Screen    []byte `json:"screen"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	CursorX   int    `json:"cursorX"`
	CursorY   int    `json:"cursorY"`
}

// snapshotPayloadWire mirrors SnapshotPayload but carries the screen as the
// base64 string the wire format actually uses; SnapshotPayload exposes it
// decoded for callers.
type snapshotPayloadWire struct {
	RequestID string `json:"requestId"`
	Screen    string `json:"screen"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	CursorX   int    `json:"cursorX"`
	CursorY   int    `json:"cursorY"`
}

// EncodeInput builds a relay->producer input frame.
func EncodeInput(data []byte) []byte {
	return append([]byte{PrefixInput}, data...)
}

// EncodeResize builds a relay->producer resize frame.
func EncodeResize(cols, rows int) ([]byte, error) {
	body, err := json.Marshal(ResizePayload{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("wire: encode resize: %w", err)
	}
	return append([]byte{PrefixResize}, body...), nil
}

// EncodePause builds a relay->producer pause frame.
func EncodePause() []byte {
	return []byte{PrefixPause}
}

// EncodeResume builds a relay->producer resume frame.
func EncodeResume() []byte {
	return []byte{PrefixResume}
}

// EncodeSnapshotRequest builds a relay->producer snapshot-request frame.
func EncodeSnapshotRequest(requestID string) ([]byte, error) {
	body, err := json.Marshal(SnapshotRequestPayload{RequestID: requestID})
	if err != nil {
		return nil, fmt.Errorf("wire: encode snapshot request: %w", err)
	}
	return append([]byte{PrefixSnapshotRequest}, body...), nil
}

// ProducerFrameKind discriminates the decoded variants of a producer->relay
// data-channel frame.
type ProducerFrameKind int

const (
	ProducerFrameOutput ProducerFrameKind = iota
	ProducerFrameHandshake
	ProducerFrameExit
	ProducerFrameSnapshot
)

// ProducerFrame is the decoded form of a producer->relay data-channel frame.
// Exactly one of the payload fields is populated, matching Kind.
type ProducerFrame struct {
	Kind      ProducerFrameKind
	Output    []byte
	Handshake HandshakePayload
	ExitCode  int
	Snapshot  SnapshotPayload
}

// DecodeProducerFrame decodes a frame received on the producer-data channel.
// It fails closed: an empty frame, unknown prefix, or malformed JSON yields
// an error rather than panicking; callers are expected to log and drop it.
func DecodeProducerFrame(frame []byte) (ProducerFrame, error) {
	if len(frame) == 0 {
		return ProducerFrame{}, ErrEmptyFrame
	}

	prefix, body := frame[0], frame[1:]
	switch prefix {
	case PrefixOutput:
		return ProducerFrame{Kind: ProducerFrameOutput, Output: body}, nil

	case PrefixHandshake:
		var h HandshakePayload
		if err := json.Unmarshal(body, &h); err != nil {
			return ProducerFrame{}, fmt.Errorf("wire: decode handshake: %w", err)
		}
		return ProducerFrame{Kind: ProducerFrameHandshake, Handshake: h}, nil

	case PrefixExit:
		var code int
		if err := json.Unmarshal(body, &code); err != nil {
			return ProducerFrame{}, fmt.Errorf("wire: decode exit: %w", err)
		}
		return ProducerFrame{Kind: ProducerFrameExit, ExitCode: code}, nil

	case PrefixSnapshot:
		var w snapshotPayloadWire
		if err := json.Unmarshal(body, &w); err != nil {
			return ProducerFrame{}, fmt.Errorf("wire: decode snapshot: %w", err)
		}
		screen, err := base64.StdEncoding.DecodeString(w.Screen)
		if err != nil {
			return ProducerFrame{}, fmt.Errorf("wire: decode snapshot screen: %w", err)
		}
		return ProducerFrame{
			Kind: ProducerFrameSnapshot,
			Snapshot: SnapshotPayload{
				RequestID: w.RequestID,
				Screen:    screen,
				Cols:      w.Cols,
				Rows:      w.Rows,
				CursorX:   w.CursorX,
				CursorY:   w.CursorY,
			},
		}, nil

	default:
		return ProducerFrame{}, ErrUnknownPrefix
	}
}

// EncodeSnapshot builds a producer->relay snapshot-response frame. It exists
// primarily for round-trip tests of DecodeProducerFrame, since in production
// the relay only decodes this frame kind.
func EncodeSnapshot(p SnapshotPayload) ([]byte, error) {
	body, err := json.Marshal(snapshotPayloadWire{
		RequestID: p.RequestID,
		Screen:    base64.StdEncoding.EncodeToString(p.Screen),
		Cols:      p.Cols,
		Rows:      p.Rows,
		CursorX:   p.CursorX,
		CursorY:   p.CursorY,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode snapshot: %w", err)
	}
	return append([]byte{PrefixSnapshot}, body...), nil
}

// EncodeOutput builds a producer->relay output frame, for round-trip tests.
func EncodeOutput(data []byte) []byte {
	return append([]byte{PrefixOutput}, data...)
}

// EncodeHandshake builds a producer->relay handshake frame, for round-trip tests.
func EncodeHandshake(h HandshakePayload) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("wire: encode handshake: %w", err)
	}
	return append([]byte{PrefixHandshake}, body...), nil
}

// EncodeExit builds a producer->relay exit frame, for round-trip tests.
func EncodeExit(code int) ([]byte, error) {
	body, err := json.Marshal(code)
	if err != nil {
		return nil, fmt.Errorf("wire: encode exit: %w", err)
	}
	return append([]byte{PrefixExit}, body...), nil
}

// RelayFrameKind discriminates the decoded variants of a relay->producer
// data-channel frame, used by producer-side simulators in tests.
type RelayFrameKind int

const (
	RelayFrameInput RelayFrameKind = iota
	RelayFrameResize
	RelayFramePause
	RelayFrameResume
	RelayFrameSnapshotRequest
)

// RelayFrame is the decoded form of a relay->producer data-channel frame.
type RelayFrame struct {
	Kind             RelayFrameKind
	Input            []byte
	Resize           ResizePayload
	SnapshotRequest  SnapshotRequestPayload
}

// DecodeRelayFrame decodes a frame sent by the relay on the producer-data
// channel. The relay never calls this itself; it exists so tests (and any
// producer-side simulator in the pack) can validate what the relay encodes.
func DecodeRelayFrame(frame []byte) (RelayFrame, error) {
	if len(frame) == 0 {
		return RelayFrame{}, ErrEmptyFrame
	}

	prefix, body := frame[0], frame[1:]
	switch prefix {
	case PrefixInput:
		return RelayFrame{Kind: RelayFrameInput, Input: body}, nil
	case PrefixResize:
		var r ResizePayload
		if err := json.Unmarshal(body, &r); err != nil {
			return RelayFrame{}, fmt.Errorf("wire: decode resize: %w", err)
		}
		return RelayFrame{Kind: RelayFrameResize, Resize: r}, nil
	case PrefixPause:
		return RelayFrame{Kind: RelayFramePause}, nil
	case PrefixResume:
		return RelayFrame{Kind: RelayFrameResume}, nil
	case PrefixSnapshotRequest:
		var s SnapshotRequestPayload
		if err := json.Unmarshal(body, &s); err != nil {
			return RelayFrame{}, fmt.Errorf("wire: decode snapshot request: %w", err)
		}
		return RelayFrame{Kind: RelayFrameSnapshotRequest, SnapshotRequest: s}, nil
	default:
		return RelayFrame{}, ErrUnknownPrefix
	}
}
