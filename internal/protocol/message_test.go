package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keylan/babelcall/internal/domain"
)

func TestEncodeDecodeCall(t *testing.T) {
	msg := Call("100", "200", domain.LangEnglish, "v=0 fake offer")
	data, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeCall, got.Type)
	assert.Equal(t, domain.Number("100"), got.From)
	assert.Equal(t, domain.Number("200"), got.To)
	assert.Equal(t, domain.LangEnglish, got.Language)
	assert.Equal(t, "v=0 fake offer", got.Offer)
}

func TestEncodeOmitsIrrelevantFields(t *testing.T) {
	data, err := Encode(Register("100", domain.LangHindi))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "register", raw["type"])
	assert.Equal(t, "100", raw["phoneNumber"])
	assert.Equal(t, "hi-IN", raw["language"])
	assert.NotContains(t, raw, "offer")
	assert.NotContains(t, raw, "candidate")
	assert.NotContains(t, raw, "message")
}

func TestDecodeCandidateFields(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	data, err := Encode(ICECandidate("200", Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.2 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}))
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, got.Candidate)
	assert.Equal(t, "candidate:1 1 udp 2130706431 10.0.0.2 54321 typ host", got.Candidate.Candidate)
	require.NotNil(t, got.Candidate.SDPMid)
	assert.Equal(t, "0", *got.Candidate.SDPMid)
	require.NotNil(t, got.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *got.Candidate.SDPMLineIndex)
}

func TestDecodeCallFailedReason(t *testing.T) {
	got, err := Decode([]byte(`{"type":"callFailed","message":"busy"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCallFailed, got.Type)
	assert.Equal(t, "busy", got.Reason)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"shutdown"}`))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestEncodeEmptyType(t *testing.T) {
	_, err := Encode(Message{})
	require.Error(t, err)
}
