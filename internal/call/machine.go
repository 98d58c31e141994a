package call

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/audio"
	"github.com/keylan/babelcall/internal/domain"
	"github.com/keylan/babelcall/internal/protocol"
)

// State is the call progress visible to the user. Disconnected is idle
// with history; both are valid entry points for a new call.
type State string

const (
	StateIdle         State = "idle"
	StateCalling      State = "calling"
	StateIncoming     State = "incoming"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// fsm event names. Every state change goes through the table; there is no
// way to skip a state.
const (
	evPlace       = "place"
	evRing        = "ring"
	evAccept      = "accept"
	evReject      = "reject"
	evAnswered    = "answered"
	evEstablished = "established"
	evEnd         = "end"
	evFail        = "fail"
	evHangup      = "hangup"
)

type event interface{}

type (
	cmdPlace    struct{ to domain.Number }
	cmdAnswer   struct{}
	cmdReject   struct{}
	cmdHangup   struct{}
	msgEvent    struct{ msg protocol.Message }
	audioEvent  struct{ payload []byte }
	closedEvent struct{ err error }
	negFailedEvent struct {
		sid string
		err error
	}
	captureUpEvent struct {
		sid string
		err error
	}
)

// Machine is the call session coordinator. All inputs (user commands,
// signaling messages, negotiation callbacks, audio events) are funneled
// through one queue and processed by a single goroutine, so session state
// is never mutated concurrently.
type Machine struct {
	local domain.Peer
	deps  Deps

	fsm    *fsm.FSM
	events chan event
	done   chan struct{}

	onState func(State)
	onError func(error)

	// mu guards the session pointer and its display fields for the
	// read-only accessors; all other mutation happens on the loop.
	mu   sync.Mutex
	sess *session
}

func NewMachine(local domain.Peer, deps Deps) *Machine {
	m := &Machine{
		local:  local,
		deps:   deps,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evPlace, Src: []string{string(StateIdle), string(StateDisconnected)}, Dst: string(StateCalling)},
			{Name: evRing, Src: []string{string(StateIdle), string(StateDisconnected)}, Dst: string(StateIncoming)},
			{Name: evAccept, Src: []string{string(StateIncoming)}, Dst: string(StateConnecting)},
			{Name: evReject, Src: []string{string(StateIncoming)}, Dst: string(StateDisconnected)},
			{Name: evAnswered, Src: []string{string(StateCalling)}, Dst: string(StateConnected)},
			{Name: evEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: evEnd, Src: []string{string(StateCalling), string(StateConnecting), string(StateConnected), string(StateIncoming)}, Dst: string(StateDisconnected)},
			{Name: evFail, Src: []string{string(StateCalling), string(StateConnecting), string(StateConnected), string(StateIncoming)}, Dst: string(StateDisconnected)},
			{Name: evHangup, Src: []string{string(StateCalling), string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{},
	)
	return m
}

// OnStateChange registers the state observer. Register before Run.
func (m *Machine) OnStateChange(fn func(State)) { m.onState = fn }

// OnError registers the terminal-error observer: device errors, channel
// loss, negotiation failure, backend-reported failures (verbatim).
func (m *Machine) OnError(fn func(error)) { m.onError = fn }

// Run processes events until ctx is canceled. It owns all session state.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Machine) enqueue(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// PlaceCall starts an outbound call to the given number.
func (m *Machine) PlaceCall(to domain.Number) { m.enqueue(cmdPlace{to: to}) }

// Answer accepts the pending incoming call.
func (m *Machine) Answer() { m.enqueue(cmdAnswer{}) }

// Reject declines the pending incoming call.
func (m *Machine) Reject() { m.enqueue(cmdReject{}) }

// Hangup ends the active call attempt.
func (m *Machine) Hangup() { m.enqueue(cmdHangup{}) }

// HandleMessage feeds one decoded signaling message into the loop. Wire it
// to the channel's message handler.
func (m *Machine) HandleMessage(msg protocol.Message) { m.enqueue(msgEvent{msg: msg}) }

// HandleAudio feeds one raw inbound audio payload into the loop.
func (m *Machine) HandleAudio(payload []byte) { m.enqueue(audioEvent{payload: payload}) }

// ChannelClosed tells the machine the signaling channel is gone. A live
// call cannot survive this; the backend will not reconnect mid-call.
func (m *Machine) ChannelClosed(err error) { m.enqueue(closedEvent{err: err}) }

// State reports the current call state.
func (m *Machine) State() State { return State(m.fsm.Current()) }

// Remote reports the other party of the current session, if any.
func (m *Machine) Remote() (domain.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return domain.Peer{}, false
	}
	return m.sess.remote, true
}

// Duration reports connected time of the current session, for display.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return m.sess.duration(time.Now())
}

func (m *Machine) dispatch(ev event) {
	switch e := ev.(type) {
	case cmdPlace:
		m.handlePlace(e.to)
	case cmdAnswer:
		m.handleAnswer()
	case cmdReject:
		m.handleReject()
	case cmdHangup:
		m.handleHangup()
	case msgEvent:
		m.handleMessage(e.msg)
	case audioEvent:
		m.handleAudio(e.payload)
	case closedEvent:
		m.handleChannelClosed(e.err)
	case negFailedEvent:
		m.handleNegotiationFailed(e.sid, e.err)
	case captureUpEvent:
		m.handleCaptureUp(e.sid, e.err)
	}
}

func (m *Machine) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeIncomingCall:
		m.handleIncoming(msg)
	case protocol.TypeCallAnswered:
		m.handleCallAnswered(msg)
	case protocol.TypeICECandidate:
		m.handleCandidate(msg)
	case protocol.TypeCallEnded:
		m.handleCallEnded()
	case protocol.TypeCallFailed:
		m.handleCallFailed(msg)
	default:
		log.Warn().Str("module", "call").Str("type", string(msg.Type)).Msg("unexpected message, dropping")
	}
}

func (m *Machine) handlePlace(to domain.Number) {
	if !m.idle() {
		m.reportError(ErrBusy)
		return
	}

	sess := newSession(domain.Peer{Number: to})
	neg, err := m.deps.Negotiate(sess.id)
	if err != nil {
		sess.teardown()
		m.reportError(err)
		return
	}
	sess.neg = neg
	m.wireNegotiator(sess, to)

	offer, err := neg.CreateOffer()
	if err != nil {
		sess.teardown()
		m.reportError(err)
		return
	}

	m.setSession(sess)
	if err := m.deps.Channel.Send(protocol.Call(m.local.Number, to, m.local.Language, offer)); err != nil {
		m.dropSession()
		m.reportError(err)
		return
	}
	m.transition(evPlace)
	log.Info().Str("module", "call").Str("sid", sess.id).Str("to", string(to)).Msg("calling")
}

func (m *Machine) handleIncoming(msg protocol.Message) {
	if !m.idle() {
		// Busy: hard-reject without touching the active session.
		reply := protocol.Message{Type: protocol.TypeCallFailed, To: msg.From, Reason: "busy"}
		if err := m.deps.Channel.Send(reply); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("busy reject send")
		}
		log.Info().Str("module", "call").Str("from", string(msg.From)).Msg("rejected incoming call while busy")
		return
	}

	sess := newSession(domain.Peer{Number: msg.From, Language: msg.FromLanguage})
	sess.pendingOffer = msg.Offer
	m.setSession(sess)
	m.transition(evRing)
	log.Info().Str("module", "call").Str("sid", sess.id).Str("from", string(msg.From)).Msg("incoming call")
}

func (m *Machine) handleAnswer() {
	if m.State() != StateIncoming {
		log.Warn().Str("module", "call").Msg("answer with no incoming call")
		return
	}
	sess := m.current()

	neg, err := m.deps.Negotiate(sess.id)
	if err != nil {
		m.abortIncoming(sess, err)
		return
	}
	sess.neg = neg
	m.wireNegotiator(sess, sess.remote.Number)

	answer, err := neg.AcceptOfferAndAnswer(sess.pendingOffer)
	if err != nil {
		m.abortIncoming(sess, err)
		return
	}
	sess.pendingOffer = ""
	for _, cand := range sess.pendingCands {
		if err := neg.AddRemoteCandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("sid", sess.id).Msg("apply held candidate")
		}
	}
	sess.pendingCands = nil

	if err := m.deps.Channel.Send(protocol.AnswerMsg(sess.remote.Number, m.local.Language, answer)); err != nil {
		m.abortIncoming(sess, err)
		return
	}

	m.transition(evAccept)
	m.startCapture(sess)
}

// abortIncoming handles local failure while answering: notify the caller,
// release everything, return to disconnected.
func (m *Machine) abortIncoming(sess *session, err error) {
	if sendErr := m.deps.Channel.Send(protocol.CallEnded(sess.remote.Number)); sendErr != nil {
		log.Warn().Err(sendErr).Str("module", "call").Msg("abort notify send")
	}
	m.dropSession()
	m.transition(evReject)
	m.reportError(err)
}

func (m *Machine) handleReject() {
	if m.State() != StateIncoming {
		return
	}
	sess := m.current()
	if err := m.deps.Channel.Send(protocol.CallEnded(sess.remote.Number)); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("reject send")
	}
	m.dropSession()
	m.transition(evReject)
	log.Info().Str("module", "call").Str("sid", sess.id).Msg("rejected incoming call")
}

func (m *Machine) handleHangup() {
	switch m.State() {
	case StateIncoming:
		m.handleReject()
	case StateCalling, StateConnecting, StateConnected:
		sess := m.current()
		if err := m.deps.Channel.Send(protocol.CallEnded(sess.remote.Number)); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("hangup send")
		}
		m.dropSession()
		m.transition(evHangup)
		log.Info().Str("module", "call").Str("sid", sess.id).Msg("hung up")
	}
}

func (m *Machine) handleCallAnswered(msg protocol.Message) {
	if m.State() != StateCalling {
		log.Warn().Str("module", "call").Msg("callAnswered outside calling, dropping")
		return
	}
	sess := m.current()

	if err := sess.neg.ApplyAnswer(msg.Answer); err != nil {
		m.dropSession()
		m.transition(evFail)
		m.reportError(err)
		return
	}

	m.mu.Lock()
	sess.remote.Language = msg.ResponderLanguage
	sess.started = time.Now()
	m.mu.Unlock()
	sess.play = m.deps.NewPlayback()

	m.transition(evAnswered)
	m.startCapture(sess)
	log.Info().Str("module", "call").Str("sid", sess.id).
		Str("remote_language", string(msg.ResponderLanguage)).Msg("call answered")
}

func (m *Machine) handleCandidate(msg protocol.Message) {
	sess := m.current()
	if sess == nil || msg.Candidate == nil {
		log.Warn().Str("module", "call").Msg("candidate with no session, dropping")
		return
	}
	if sess.neg == nil {
		// Still ringing: negotiation starts when the user answers, but the
		// caller keeps trickling. Hold the candidate with the offer.
		sess.pendingCands = append(sess.pendingCands, *msg.Candidate)
		return
	}
	if err := sess.neg.AddRemoteCandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", sess.id).Msg("add remote candidate")
	}
}

func (m *Machine) handleCallEnded() {
	switch m.State() {
	case StateCalling, StateConnecting, StateConnected, StateIncoming:
		sess := m.current()
		m.dropSession()
		m.transition(evEnd)
		log.Info().Str("module", "call").Str("sid", sess.id).Msg("remote ended call")
	}
}

func (m *Machine) handleCallFailed(msg protocol.Message) {
	failure := &RemoteFailure{Reason: msg.Reason}
	switch m.State() {
	case StateCalling, StateConnecting, StateConnected:
		m.dropSession()
		m.transition(evFail)
	}
	m.reportError(failure)
}

func (m *Machine) handleChannelClosed(err error) {
	switch m.State() {
	case StateCalling, StateConnecting, StateConnected, StateIncoming:
		m.dropSession()
		m.transition(evFail)
	}
	if err != nil {
		m.reportError(err)
	}
}

func (m *Machine) handleNegotiationFailed(sid string, err error) {
	sess := m.current()
	if sess == nil || sess.id != sid {
		return // stale callback from a session that already ended
	}
	m.dropSession()
	m.transition(evFail)
	m.reportError(err)
}

func (m *Machine) handleCaptureUp(sid string, err error) {
	sess := m.current()
	if sess == nil || sess.id != sid {
		// Session ended while the microphone was still initialising; the
		// capture released itself against the canceled session context.
		return
	}
	if err != nil {
		// A dead microphone must end the call, not leave it silently muted.
		if sendErr := m.deps.Channel.Send(protocol.CallEnded(sess.remote.Number)); sendErr != nil {
			log.Warn().Err(sendErr).Str("module", "call").Msg("capture failure notify")
		}
		m.dropSession()
		m.transition(evFail)
		m.reportError(err)
		return
	}
	if m.State() == StateConnecting {
		m.mu.Lock()
		sess.started = time.Now()
		m.mu.Unlock()
		sess.play = m.deps.NewPlayback()
		m.transition(evEstablished)
	}
}

func (m *Machine) handleAudio(payload []byte) {
	if m.State() != StateConnected {
		return
	}
	sess := m.current()
	if sess == nil || sess.play == nil {
		return
	}
	sess.play.Play(payload)
}

// startCapture acquires the microphone off the loop; acquisition may block
// on a permission prompt long after the session has ended.
func (m *Machine) startCapture(sess *session) {
	mic := m.deps.NewCapture()
	sess.cap = mic
	sink := func(pcm []int16) {
		// Frames flow only once the connected transition has applied.
		if m.State() != StateConnected {
			return
		}
		if err := m.deps.Channel.SendAudio(audio.EncodeChunk(pcm, audio.WireRate)); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("send audio frame")
		}
	}
	go func() {
		err := mic.Start(sess.ctx, sink)
		m.enqueue(captureUpEvent{sid: sess.id, err: err})
	}()
}

func (m *Machine) wireNegotiator(sess *session, to domain.Number) {
	sess.neg.OnLocalCandidate(func(c protocol.Candidate) {
		// Sent the moment it is discovered; batching adds setup latency.
		if cur := m.current(); cur == nil || cur.id != sess.id {
			return
		}
		if err := m.deps.Channel.Send(protocol.ICECandidate(to, c)); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("send local candidate")
		}
	})
	sess.neg.OnFailure(func(err error) {
		m.enqueue(negFailedEvent{sid: sess.id, err: err})
	})
}

func (m *Machine) idle() bool {
	st := m.State()
	return st == StateIdle || st == StateDisconnected
}

func (m *Machine) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *Machine) setSession(sess *session) {
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
}

// dropSession tears the current session down and detaches it. Idempotent:
// a second teardown from a racing trigger path is a no-op.
func (m *Machine) dropSession() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()
	if sess != nil {
		sess.teardown()
	}
}

func (m *Machine) shutdown() {
	m.dropSession()
}

func (m *Machine) transition(name string) {
	if err := m.fsm.Event(context.Background(), name); err != nil {
		log.Error().Err(err).Str("module", "call").Str("event", name).
			Str("state", m.fsm.Current()).Msg("invalid transition")
		return
	}
	if m.onState != nil {
		m.onState(m.State())
	}
}

func (m *Machine) reportError(err error) {
	log.Error().Err(err).Str("module", "call").Msg("call error")
	if m.onError != nil {
		m.onError(err)
	}
}
