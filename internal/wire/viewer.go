package wire

import (
	"encoding/json"
	"fmt"
)

// Viewer-channel message types.
const (
	ViewerTypeSetup         = "setup"
	ViewerTypeSetupResponse = "setup_response"
	ViewerTypeInput         = "input"
	ViewerTypeResize        = "resize"
	ViewerTypeExit          = "exit"
	ViewerTypeDisconnect    = "disconnect"
)

// Viewer setup actions.
const (
	SetupActionNew    = "new"
	SetupActionMirror = "mirror"
)

// CreatedBy carries the {subject, username} identity of whoever triggered a
// setup request, when known.
type CreatedBy struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
}

// SetupRequest is the first frame a viewer must send.
type SetupRequest struct {
	Type      string     `json:"type"`
	Action    string     `json:"action"`
	Name      string     `json:"name"`
	Cols      int        `json:"cols,omitempty"`
	Rows      int        `json:"rows,omitempty"`
	CreatedBy *CreatedBy `json:"createdBy,omitempty"`
}

// SetupResponse answers a SetupRequest.
type SetupResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Error   string `json:"error,omitempty"`
}

// InputMessage is a viewer -> relay typed input frame (the alternative to
// sending raw bytes).
type InputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ResizeMessage is a viewer -> relay resize request.
type ResizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ExitMessage is sent relay -> viewer when the terminal exits.
type ExitMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// DisconnectMessage is sent relay -> viewer ahead of a forced socket close.
type DisconnectMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// EncodeSetupResponse marshals a setup_response message.
func EncodeSetupResponse(r SetupResponse) ([]byte, error) {
	r.Type = ViewerTypeSetupResponse
	return json.Marshal(r)
}

// EncodeViewerExit marshals a viewer-channel exit message.
func EncodeViewerExit(code int) ([]byte, error) {
	return json.Marshal(ExitMessage{Type: ViewerTypeExit, Code: code})
}

// EncodeDisconnect marshals a disconnect message.
func EncodeDisconnect(reason string) ([]byte, error) {
	return json.Marshal(DisconnectMessage{Type: ViewerTypeDisconnect, Reason: reason})
}

// DecodeSetupRequest decodes and validates the first frame a viewer must
// send. It fails closed on malformed JSON, missing action, or missing name.
func DecodeSetupRequest(payload []byte) (SetupRequest, error) {
	var req SetupRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return SetupRequest{}, fmt.Errorf("wire: decode setup request: %w", err)
	}
	if req.Type != "" && req.Type != ViewerTypeSetup {
		return SetupRequest{}, fmt.Errorf("wire: expected setup message, got %q", req.Type)
	}
	if req.Action != SetupActionNew && req.Action != SetupActionMirror {
		return SetupRequest{}, fmt.Errorf("wire: invalid setup action %q", req.Action)
	}
	if req.Name == "" {
		return SetupRequest{}, fmt.Errorf("wire: setup request missing name")
	}
	return req, nil
}

// ViewerFrameKind discriminates a decoded steady-state viewer -> relay frame.
type ViewerFrameKind int

const (
	ViewerFrameRawInput ViewerFrameKind = iota
	ViewerFrameInput
	ViewerFrameResize
)

// ViewerFrame is the decoded form of a steady-state viewer -> relay message:
// either raw bytes (treated as input) or a typed {type:"input"}/{type:"resize"}
// JSON control message.
type ViewerFrame struct {
	Kind   ViewerFrameKind
	Input  []byte
	Resize ResizePayload
}

// DecodeViewerFrame decodes a steady-state frame from a viewer. isText
// indicates whether the underlying WebSocket message was a text frame: only
// text frames are probed for the {type:"input"|"resize"} JSON shape, exactly
// as the producer-terminal bridge treats text frames as possible control
// messages before falling back to raw input (see internal/relayhttp).
// Binary frames and JSON-parse failures are treated as raw input bytes.
func DecodeViewerFrame(payload []byte, isText bool) (ViewerFrame, error) {
	if len(payload) == 0 {
		return ViewerFrame{}, ErrEmptyFrame
	}

	if isText {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &envelope); err == nil {
			switch envelope.Type {
			case ViewerTypeInput:
				var m InputMessage
				if err := json.Unmarshal(payload, &m); err != nil {
					return ViewerFrame{}, fmt.Errorf("wire: decode input message: %w", err)
				}
				return ViewerFrame{Kind: ViewerFrameInput, Input: []byte(m.Data)}, nil

			case ViewerTypeResize:
				var m ResizeMessage
				if err := json.Unmarshal(payload, &m); err != nil {
					return ViewerFrame{}, fmt.Errorf("wire: decode resize message: %w", err)
				}
				return ViewerFrame{Kind: ViewerFrameResize, Resize: ResizePayload{Cols: m.Cols, Rows: m.Rows}}, nil
			}
		}
	}

	return ViewerFrame{Kind: ViewerFrameRawInput, Input: payload}, nil
}
