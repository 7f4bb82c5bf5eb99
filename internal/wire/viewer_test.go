package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeSetupRequestNew(t *testing.T) {
	req, err := DecodeSetupRequest([]byte(`{"type":"setup","action":"new","name":"x","cols":80,"rows":24}`))
	require.NoError(t, err)
	require.Equal(t, SetupActionNew, req.Action)
	require.Equal(t, "x", req.Name)
	require.Equal(t, 80, req.Cols)
}

func TestDecodeSetupRequestMirror(t *testing.T) {
	req, err := DecodeSetupRequest([]byte(`{"type":"setup","action":"mirror","name":"7421"}`))
	require.NoError(t, err)
	require.Equal(t, SetupActionMirror, req.Action)
}

func TestDecodeSetupRequestInvalidAction(t *testing.T) {
	_, err := DecodeSetupRequest([]byte(`{"type":"setup","action":"bogus","name":"x"}`))
	require.Error(t, err)
}

func TestDecodeSetupRequestMissingName(t *testing.T) {
	_, err := DecodeSetupRequest([]byte(`{"type":"setup","action":"new"}`))
	require.Error(t, err)
}

func TestDecodeSetupRequestMalformedJSON(t *testing.T) {
	_, err := DecodeSetupRequest([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeSetupResponse(t *testing.T) {
	payload, err := EncodeSetupResponse(SetupResponse{Success: true, Name: "7421", Cols: 80, Rows: 24})
	require.NoError(t, err)
	require.Contains(t, string(payload), `"type":"setup_response"`)
	require.Contains(t, string(payload), `"success":true`)
}

func TestDecodeViewerFrameRawBinary(t *testing.T) {
	frame, err := DecodeViewerFrame([]byte("raw bytes"), false)
	require.NoError(t, err)
	require.Equal(t, ViewerFrameRawInput, frame.Kind)
	require.Equal(t, []byte("raw bytes"), frame.Input)
}

func TestDecodeViewerFrameTypedInput(t *testing.T) {
	frame, err := DecodeViewerFrame([]byte(`{"type":"input","data":"ls\n"}`), true)
	require.NoError(t, err)
	require.Equal(t, ViewerFrameInput, frame.Kind)
	require.Equal(t, []byte("ls\n"), frame.Input)
}

func TestDecodeViewerFrameTypedResize(t *testing.T) {
	frame, err := DecodeViewerFrame([]byte(`{"type":"resize","cols":100,"rows":40}`), true)
	require.NoError(t, err)
	require.Equal(t, ViewerFrameResize, frame.Kind)
	require.Equal(t, ResizePayload{Cols: 100, Rows: 40}, frame.Resize)
}

func TestDecodeViewerFrameTextNonJSONIsRawInput(t *testing.T) {
	frame, err := DecodeViewerFrame([]byte("just typed text"), true)
	require.NoError(t, err)
	require.Equal(t, ViewerFrameRawInput, frame.Kind)
}

func TestDecodeViewerFrameEmptyFails(t *testing.T) {
	_, err := DecodeViewerFrame(nil, false)
	require.ErrorIs(t, err, ErrEmptyFrame)
}

func TestEncodeViewerExit(t *testing.T) {
	payload, err := EncodeViewerExit(0)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"type":"exit"`)
}

func TestEncodeDisconnect(t *testing.T) {
	payload, err := EncodeDisconnect("session_ended")
	require.NoError(t, err)
	require.Contains(t, string(payload), `"reason":"session_ended"`)
}
