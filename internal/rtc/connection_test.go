package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keylan/babelcall/internal/protocol"
)

// no ICE servers: tests never touch the network.
func newTestConn(t *testing.T) *Connection {
	t.Helper()
	c, err := New(webrtc.Configuration{}, "test-session")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func hostCandidate() protocol.Candidate {
	mid := "0"
	idx := uint16(0)
	return protocol.Candidate{
		Candidate:     "candidate:2382557802 1 udp 2130706431 192.0.2.10 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func TestCreateOfferProducesAudioSDP(t *testing.T) {
	c := newTestConn(t)
	offer, err := c.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
}

func TestCreateOfferTwice(t *testing.T) {
	c := newTestConn(t)
	_, err := c.CreateOffer()
	require.NoError(t, err)
	_, err = c.CreateOffer()
	require.Error(t, err)
	var negErr *NegotiationError
	assert.ErrorAs(t, err, &negErr)
}

func TestApplyAnswerWithoutOffer(t *testing.T) {
	c := newTestConn(t)
	err := c.ApplyAnswer("v=0")
	require.Error(t, err)
	var negErr *NegotiationError
	assert.ErrorAs(t, err, &negErr)
}

func TestOfferAnswerHandshake(t *testing.T) {
	caller := newTestConn(t)
	callee := newTestConn(t)

	offer, err := caller.CreateOffer()
	require.NoError(t, err)

	answer, err := callee.AcceptOfferAndAnswer(offer)
	require.NoError(t, err)
	assert.Contains(t, answer, "m=audio")

	require.NoError(t, caller.ApplyAnswer(answer))
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	caller := newTestConn(t)
	callee := newTestConn(t)

	offer, err := caller.CreateOffer()
	require.NoError(t, err)

	// Candidate arrives before the offer has been applied: must be kept.
	require.NoError(t, callee.AddRemoteCandidate(hostCandidate()))
	assert.Equal(t, 1, callee.pendingCount())

	answer, err := callee.AcceptOfferAndAnswer(offer)
	require.NoError(t, err)
	assert.Equal(t, 0, callee.pendingCount(), "buffered candidates must be flushed")

	// Same on the offerer: candidate before the answer is buffered, then
	// flushed when the answer lands.
	require.NoError(t, caller.AddRemoteCandidate(hostCandidate()))
	assert.Equal(t, 1, caller.pendingCount())
	require.NoError(t, caller.ApplyAnswer(answer))
	assert.Equal(t, 0, caller.pendingCount())
}

func TestCandidateAppliedDirectlyAfterRemoteDescription(t *testing.T) {
	caller := newTestConn(t)
	callee := newTestConn(t)

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	_, err = callee.AcceptOfferAndAnswer(offer)
	require.NoError(t, err)

	require.NoError(t, callee.AddRemoteCandidate(hostCandidate()))
	assert.Equal(t, 0, callee.pendingCount())
}

func TestCloseIdempotent(t *testing.T) {
	c, err := New(webrtc.Configuration{}, "close-twice")
	require.NoError(t, err)
	c.Close()
	c.Close()
}

func TestAddCandidateAfterClose(t *testing.T) {
	c, err := New(webrtc.Configuration{}, "closed")
	require.NoError(t, err)
	c.Close()
	assert.NoError(t, c.AddRemoteCandidate(hostCandidate()))
}
