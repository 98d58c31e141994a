package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keylan/babelcall/internal/audio"
	"github.com/keylan/babelcall/internal/domain"
	"github.com/keylan/babelcall/internal/protocol"
)

const (
	localNumber  = domain.Number("1001")
	remoteNumber = domain.Number("2002")
)

type fakeChannel struct {
	mu    sync.Mutex
	sent  []protocol.Message
	audio [][]byte
}

func (f *fakeChannel) Send(m protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChannel) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), payload...))
	return nil
}

func (f *fakeChannel) last(tp protocol.MessageType) (protocol.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == tp {
			return f.sent[i], true
		}
	}
	return protocol.Message{}, false
}

func (f *fakeChannel) count(tp protocol.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Type == tp {
			n++
		}
	}
	return n
}

func (f *fakeChannel) audioFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

type fakeNegotiator struct {
	mu        sync.Mutex
	acceptErr error
	applyErr  error

	accepted string
	applied  string
	added    []protocol.Candidate
	closes   int

	onLocal func(protocol.Candidate)
	onFail  func(error)
}

func (f *fakeNegotiator) CreateOffer() (string, error) { return "fake-offer", nil }

func (f *fakeNegotiator) AcceptOfferAndAnswer(offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return "", f.acceptErr
	}
	f.accepted = offer
	return "fake-answer", nil
}

func (f *fakeNegotiator) ApplyAnswer(answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = answer
	return nil
}

func (f *fakeNegotiator) AddRemoteCandidate(c protocol.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, c)
	return nil
}

func (f *fakeNegotiator) OnLocalCandidate(fn func(protocol.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLocal = fn
}

func (f *fakeNegotiator) OnFailure(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFail = fn
}

func (f *fakeNegotiator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeNegotiator) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeNegotiator) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func (f *fakeNegotiator) acceptedOffer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *fakeNegotiator) appliedAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func (f *fakeNegotiator) emitLocalCandidate(c protocol.Candidate) {
	f.mu.Lock()
	fn := f.onLocal
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeNegotiator) reportFailure(err error) {
	f.mu.Lock()
	fn := f.onFail
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	sink     audio.FrameSink
	stops    int
}

func (f *fakeCapture) Start(_ context.Context, sink audio.FrameSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.sink = sink
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCapture) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// emit pushes one captured frame through the sink, like the device callback
// would.
func (f *fakeCapture) emit(pcm []int16) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(pcm)
	}
}

func (f *fakeCapture) running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink != nil
}

type fakePlayback struct {
	mu        sync.Mutex
	played    int
	teardowns int
}

func (f *fakePlayback) Play(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played++
}

func (f *fakePlayback) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
}

func (f *fakePlayback) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.played
}

func (f *fakePlayback) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

type harness struct {
	m    *Machine
	ch   *fakeChannel
	neg  *fakeNegotiator
	mic  *fakeCapture
	play *fakePlayback
	errs chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ch:   &fakeChannel{},
		neg:  &fakeNegotiator{},
		mic:  &fakeCapture{},
		play: &fakePlayback{},
		errs: make(chan error, 16),
	}
	local := domain.Peer{Number: localNumber, Language: domain.LangEnglish}
	h.m = NewMachine(local, Deps{
		Channel:     h.ch,
		Negotiate:   func(string) (Negotiator, error) { return h.neg, nil },
		NewCapture:  func() Capture { return h.mic },
		NewPlayback: func() Playback { return h.play },
	})
	h.m.OnError(func(err error) {
		select {
		case h.errs <- err:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.m.Run(ctx)
	return h
}

func (h *harness) awaitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want },
		time.Second, 5*time.Millisecond, "state never reached %s", want)
}

func (h *harness) awaitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

// connectAsCaller drives the machine through the full outbound flow.
func (h *harness) connectAsCaller(t *testing.T) {
	t.Helper()
	h.m.PlaceCall(remoteNumber)
	h.awaitState(t, StateCalling)
	h.m.HandleMessage(protocol.CallAnswered("remote-answer", domain.LangHindi))
	h.awaitState(t, StateConnected)
}

func incoming() protocol.Message {
	return protocol.IncomingCall(remoteNumber, domain.LangHindi, "remote-offer")
}

func TestPlaceCallSendsOffer(t *testing.T) {
	h := newHarness(t)

	h.m.PlaceCall(remoteNumber)
	h.awaitState(t, StateCalling)

	msg, ok := h.ch.last(protocol.TypeCall)
	require.True(t, ok, "call message not sent")
	assert.Equal(t, localNumber, msg.From)
	assert.Equal(t, remoteNumber, msg.To)
	assert.Equal(t, domain.LangEnglish, msg.Language)
	assert.Equal(t, "fake-offer", msg.Offer)
}

func TestCallerConnectsOnCallAnswered(t *testing.T) {
	h := newHarness(t)
	h.connectAsCaller(t)

	assert.Equal(t, "remote-answer", h.neg.appliedAnswer())

	remote, ok := h.m.Remote()
	require.True(t, ok)
	assert.Equal(t, remoteNumber, remote.Number)
	assert.Equal(t, domain.LangHindi, remote.Language)
	require.Eventually(t, func() bool { return h.m.Duration() > 0 },
		time.Second, 5*time.Millisecond)
}

func TestCalleeAnswerFlow(t *testing.T) {
	h := newHarness(t)

	h.m.HandleMessage(incoming())
	h.awaitState(t, StateIncoming)

	remote, ok := h.m.Remote()
	require.True(t, ok)
	assert.Equal(t, remoteNumber, remote.Number)
	assert.Equal(t, domain.LangHindi, remote.Language)

	h.m.Answer()
	h.awaitState(t, StateConnected)

	assert.Equal(t, "remote-offer", h.neg.acceptedOffer())
	msg, ok := h.ch.last(protocol.TypeAnswer)
	require.True(t, ok, "answer message not sent")
	assert.Equal(t, remoteNumber, msg.To)
	assert.Equal(t, domain.LangEnglish, msg.Language)
	assert.Equal(t, "fake-answer", msg.Answer)
}

func TestIncomingWhileBusyHardRejected(t *testing.T) {
	h := newHarness(t)
	h.connectAsCaller(t)

	h.m.HandleMessage(protocol.IncomingCall("3003", domain.LangTamil, "other-offer"))

	require.Eventually(t, func() bool {
		_, ok := h.ch.last(protocol.TypeCallFailed)
		return ok
	}, time.Second, 5*time.Millisecond, "busy reject never sent")

	msg, _ := h.ch.last(protocol.TypeCallFailed)
	assert.Equal(t, domain.Number("3003"), msg.To)
	assert.Equal(t, "busy", msg.Reason)

	// The active call is untouched.
	assert.Equal(t, StateConnected, h.m.State())
	remote, ok := h.m.Remote()
	require.True(t, ok)
	assert.Equal(t, remoteNumber, remote.Number)
	assert.Equal(t, 0, h.neg.closeCount())
}

func TestPlaceWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.connectAsCaller(t)

	h.m.PlaceCall("4004")
	assert.ErrorIs(t, h.awaitError(t), ErrBusy)
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, 1, h.ch.count(protocol.TypeCall))
}

func TestRemoteFailureReasonVerbatim(t *testing.T) {
	h := newHarness(t)
	h.m.PlaceCall(remoteNumber)
	h.awaitState(t, StateCalling)

	h.m.HandleMessage(protocol.CallFailed("busy"))
	h.awaitState(t, StateDisconnected)

	err := h.awaitError(t)
	var failure *RemoteFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "busy", failure.Reason)
	assert.Equal(t, "call failed: busy", err.Error())
	assert.Equal(t, 1, h.neg.closeCount())
}

func TestChannelLossMidCall(t *testing.T) {
	h := newHarness(t)
	h.connectAsCaller(t)

	cause := errors.New("read: connection reset")
	h.m.ChannelClosed(cause)
	h.awaitState(t, StateDisconnected)

	assert.ErrorIs(t, h.awaitError(t), cause)
	assert.Equal(t, 1, h.neg.closeCount())
	assert.Equal(t, 1, h.mic.stopCount())
	assert.Equal(t, 1, h.play.teardownCount())
}

func TestTeardownIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connectAsCaller(t)

	h.m.Hangup()
	h.awaitState(t, StateDisconnected)
	assert.Equal(t, 1, h.ch.count(protocol.TypeCallEnded))

	// A second hangup and a late remote end must not release anything twice.
	h.m.Hangup()
	h.m.HandleMessage(protocol.CallEnded(localNumber))
	h.m.HandleMessage(incoming())
	h.awaitState(t, StateIncoming)

	assert.Equal(t, 1, h.ch.count(protocol.TypeCallEnded))
	assert.Equal(t, 1, h.neg.closeCount())
	assert.Equal(t, 1, h.mic.stopCount())
	assert.Equal(t, 1, h.play.teardownCount())
}

func TestRejectSendsCallEnded(t *testing.T) {
	h := newHarness(t)

	h.m.HandleMessage(incoming())
	h.awaitState(t, StateIncoming)
	h.m.Reject()
	h.awaitState(t, StateDisconnected)

	msg, ok := h.ch.last(protocol.TypeCallEnded)
	require.True(t, ok)
	assert.Equal(t, remoteNumber, msg.To)
	assert.Equal(t, 0, h.neg.closeCount(), "no negotiation before answer")
}

func TestRemoteEndsCall(t *testing.T) {
	h := newHarness(t)
	h.connectAsCaller(t)

	h.m.HandleMessage(protocol.CallEnded(localNumber))
	h.awaitState(t, StateDisconnected)

	assert.Equal(t, 1, h.neg.closeCount())
	assert.Equal(t, 1, h.mic.stopCount())
	assert.Equal(t, 1, h.play.teardownCount())
}

func TestCaptureFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.mic.startErr = &audio.DeviceError{Op: "capture init", Err: errors.New("no device")}

	h.m.HandleMessage(incoming())
	h.awaitState(t, StateIncoming)
	h.m.Answer()
	h.awaitState(t, StateDisconnected)

	var devErr *audio.DeviceError
	require.ErrorAs(t, h.awaitError(t), &devErr)
	msg, ok := h.ch.last(protocol.TypeCallEnded)
	require.True(t, ok, "peer not told about the dead call")
	assert.Equal(t, remoteNumber, msg.To)
	assert.Equal(t, 1, h.neg.closeCount())
}

func TestNegotiationFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.m.PlaceCall(remoteNumber)
	h.awaitState(t, StateCalling)

	cause := errors.New("ice: connectivity failed")
	h.neg.reportFailure(cause)
	h.awaitState(t, StateDisconnected)

	assert.ErrorIs(t, h.awaitError(t), cause)
	assert.Equal(t, 1, h.neg.closeCount())
}

func TestRemoteCandidateForwarded(t *testing.T) {
	h := newHarness(t)
	h.m.PlaceCall(remoteNumber)
	h.awaitState(t, StateCalling)

	mid := "0"
	h.m.HandleMessage(protocol.ICECandidate(localNumber, protocol.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 54321 typ host",
		SDPMid:    &mid,
	}))
	require.Eventually(t, func() bool { return h.neg.addedCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestCandidatesHeldWhileRingingReachNegotiator(t *testing.T) {
	h := newHarness(t)

	h.m.HandleMessage(incoming())
	h.awaitState(t, StateIncoming)

	// The caller trickles while the phone is still ringing; no negotiator
	// exists until the user answers.
	mid := "0"
	h.m.HandleMessage(protocol.ICECandidate(localNumber, protocol.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 54321 typ host",
		SDPMid:    &mid,
	}))
	h.m.HandleMessage(protocol.ICECandidate(localNumber, protocol.Candidate{
		Candidate: "candidate:2 1 udp 1694498815 198.51.100.7 3478 typ srflx",
	}))

	h.m.Answer()
	h.awaitState(t, StateConnected)

	assert.Equal(t, "remote-offer", h.neg.acceptedOffer())
	assert.Equal(t, 2, h.neg.addedCount(), "held candidates must be applied after answering")
}

func TestCandidateWithoutSessionDropped(t *testing.T) {
	h := newHarness(t)

	h.m.HandleMessage(protocol.ICECandidate(localNumber, protocol.Candidate{Candidate: "candidate:1"}))
	// Force the loop to drain past the candidate before asserting.
	h.m.HandleMessage(incoming())
	h.awaitState(t, StateIncoming)

	assert.Equal(t, 0, h.neg.addedCount())
}

func TestLocalCandidateSentImmediately(t *testing.T) {
	h := newHarness(t)
	h.m.PlaceCall(remoteNumber)
	h.awaitState(t, StateCalling)

	mid := "0"
	h.neg.emitLocalCandidate(protocol.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 54321 typ host",
		SDPMid:    &mid,
	})

	msg, ok := h.ch.last(protocol.TypeICECandidate)
	require.True(t, ok, "local candidate not relayed")
	assert.Equal(t, remoteNumber, msg.To)
	require.NotNil(t, msg.Candidate)
	assert.Contains(t, msg.Candidate.Candidate, "typ host")
}

func TestOutboundAudioIsWireChunks(t *testing.T) {
	h := newHarness(t)
	h.connectAsCaller(t)
	require.Eventually(t, h.mic.running, time.Second, 5*time.Millisecond,
		"capture never started")

	pcm := []int16{100, -100, 3000, -3000}
	h.mic.emit(pcm)

	frames := h.ch.audioFrames()
	require.Len(t, frames, 1)
	chunk, err := audio.DecodeChunk(frames[0])
	require.NoError(t, err)
	assert.Equal(t, audio.WireRate, chunk.Rate)
	assert.Equal(t, 1, chunk.Channels)
	assert.Equal(t, pcm, chunk.Samples)

	// After the call ends the sink stays silent.
	h.m.Hangup()
	h.awaitState(t, StateDisconnected)
	h.mic.emit(pcm)
	assert.Len(t, h.ch.audioFrames(), 1)
}

func TestInboundAudioGatedOnConnected(t *testing.T) {
	h := newHarness(t)
	payload := audio.EncodeChunk([]int16{1, 2, 3, 4}, audio.WireRate)

	h.m.PlaceCall(remoteNumber)
	h.awaitState(t, StateCalling)
	h.m.HandleAudio(payload)

	h.m.HandleMessage(protocol.CallAnswered("remote-answer", domain.LangHindi))
	h.awaitState(t, StateConnected)
	h.m.HandleAudio(payload)
	require.Eventually(t, func() bool { return h.play.playCount() == 1 },
		time.Second, 5*time.Millisecond, "connected audio never played")
}
