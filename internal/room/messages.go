package room

import "encoding/json"

// encodeMessage wraps data in a Message envelope and marshals it to the
// UTF-8 JSON line every room participant connection speaks.
func encodeMessage(msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Data: data})
}

// Message is the envelope every server->participant room message shares,
// mirroring spec §6's room message catalogue.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const (
	msgJamState             = "jam_state"
	msgParticipantUpdate     = "participant_update"
	msgSessionPoolUpdate     = "session_pool_update"
	msgPanelStateUpdate      = "panel_state_update"
	msgSessionStatusUpdate   = "session_status_update"
	msgTerminalClosedUpdate  = "terminal_closed_update"
	msgError                 = "error"
)

// JamState is the initial snapshot sent to a participant on connect.
type JamState struct {
	RoomID       string           `json:"roomId"`
	OwnerSubject string           `json:"ownerSubject"`
	Participants []Participant    `json:"participants"`
	Pool         []PoolSession    `json:"sessionsInPool"`
	PanelState   PanelStatePayload `json:"sharedPanelState"`
}

// Participant is one authenticated member of the room.
type Participant struct {
	Subject string `json:"subject"`
	Login   string `json:"login"`
}

// PoolSession is one session surfaced inside the room, enriched with its
// live status from the session registry.
type PoolSession struct {
	SessionID  string `json:"sessionId"`
	AddedBy    string `json:"addedBy"`
	Hostname   string `json:"hostname,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Status     string `json:"status"` // online|offline|closed
}

// PanelStatePayload is the shared two-panel view's current selection.
type PanelStatePayload struct {
	Left  *PanelSelection `json:"left,omitempty"`
	Right *PanelSelection `json:"right,omitempty"`
}

// PanelSelection names the session/terminal shown in one panel.
type PanelSelection struct {
	SessionID    string `json:"sessionId"`
	TerminalName string `json:"terminalName"`
}

// participantUpdatePayload accompanies msgParticipantUpdate.
type participantUpdatePayload struct {
	Action  string `json:"action"` // joined|left
	Subject string `json:"subject"`
	Login   string `json:"login"`
}

// sessionPoolUpdatePayload accompanies msgSessionPoolUpdate.
type sessionPoolUpdatePayload struct {
	Action  string      `json:"action"` // added|removed
	Session PoolSession `json:"session"`
}

// sessionStatusUpdatePayload accompanies msgSessionStatusUpdate.
type sessionStatusUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"` // online|offline|closed
	Reason    string `json:"reason,omitempty"`
}

// terminalClosedUpdatePayload accompanies msgTerminalClosedUpdate.
type terminalClosedUpdatePayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// errorPayload accompanies msgError.
type errorPayload struct {
	Code string `json:"code"`
}

// clientMessage is the tagged union of messages a participant may send.
type clientMessage struct {
	Type string `json:"type"`

	Panel        string `json:"panel,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	TerminalName string `json:"terminalName,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	WorkingDir   string `json:"workingDir,omitempty"`
}

const (
	clientPanelSelect    = "panel_select"
	clientAddSession     = "add_session"
	clientRemoveSession  = "remove_session"
	clientCloseTerminal  = "close_terminal"
)
