// Package rtc owns the peer media session for one call attempt: producing
// and consuming session descriptions, exchanging ICE candidates, and
// reporting terminal negotiation failure.
package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/protocol"
)

// NegotiationError wraps media-session setup and ICE failures. Terminal
// for the call attempt; retries are a new call.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Connection wraps one webrtc.PeerConnection for an audio-only call.
// Exactly one of CreateOffer / AcceptOfferAndAnswer runs per Connection.
type Connection struct {
	pc  *webrtc.PeerConnection
	sid string

	mu        sync.Mutex
	offered   bool
	answered  bool
	remoteSet bool
	closed    bool
	pending   []protocol.Candidate

	onLocal   func(protocol.Candidate)
	onTrack   func(*webrtc.TrackRemote)
	onFailure func(error)
}

// New builds a Connection with a single audio transceiver so the offer
// always carries an audio m-line.
func New(cfg webrtc.Configuration, sid string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, &NegotiationError{Op: "new peer connection", Err: err}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, &NegotiationError{Op: "add audio transceiver", Err: err}
	}

	c := &Connection{pc: pc, sid: sid}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onLocal
		c.mu.Unlock()
		if fn != nil {
			// Each candidate goes out the moment it is discovered; batching
			// would add connection latency.
			fn(toProtocol(cand.ToJSON()))
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", sid).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed {
			c.fail(&NegotiationError{Op: "ice", Err: fmt.Errorf("connectivity failed")})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", sid).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			c.fail(&NegotiationError{Op: "peer", Err: fmt.Errorf("connection failed")})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("sid", sid).
			Str("kind", track.Kind().String()).Str("track_id", track.ID()).
			Msg("remote track")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return c, nil
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	fn := c.onFailure
	closed := c.closed
	c.mu.Unlock()
	if !closed && fn != nil {
		fn(err)
	}
}

// CreateOffer generates the local session description, applies it and
// returns the SDP for transmission. At most once per Connection.
func (c *Connection) CreateOffer() (string, error) {
	c.mu.Lock()
	if c.offered || c.remoteSet {
		c.mu.Unlock()
		return "", &NegotiationError{Op: "offer", Err: fmt.Errorf("session already negotiating")}
	}
	c.offered = true
	c.mu.Unlock()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", &NegotiationError{Op: "create offer", Err: err}
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", &NegotiationError{Op: "set local offer", Err: err}
	}
	return offer.SDP, nil
}

// AcceptOfferAndAnswer applies a remote offer, generates the local answer,
// applies it and returns the SDP. Candidates buffered before the offer
// arrived are flushed afterwards.
func (c *Connection) AcceptOfferAndAnswer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", &NegotiationError{Op: "set remote offer", Err: err}
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", &NegotiationError{Op: "create answer", Err: err}
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", &NegotiationError{Op: "set local answer", Err: err}
	}

	c.mu.Lock()
	c.answered = true
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	c.flush(pending)

	return answer.SDP, nil
}

// ApplyAnswer applies the remote answer to a previously offered session.
func (c *Connection) ApplyAnswer(answerSDP string) error {
	c.mu.Lock()
	if !c.offered {
		c.mu.Unlock()
		return &NegotiationError{Op: "apply answer", Err: fmt.Errorf("no offer pending")}
	}
	c.mu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return &NegotiationError{Op: "set remote answer", Err: err}
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	c.flush(pending)
	return nil
}

// AddRemoteCandidate applies a relayed candidate, buffering it when the
// remote description is not set yet. Buffered candidates are applied, not
// dropped, once the description arrives.
func (c *Connection) AddRemoteCandidate(cand protocol.Candidate) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(fromProtocol(cand)); err != nil {
		return &NegotiationError{Op: "add candidate", Err: err}
	}
	return nil
}

func (c *Connection) flush(pending []protocol.Candidate) {
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(fromProtocol(cand)); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("sid", c.sid).Msg("flush buffered candidate")
		}
	}
}

// OnLocalCandidate registers the handler invoked once per discovered local
// candidate. Register before CreateOffer/AcceptOfferAndAnswer.
func (c *Connection) OnLocalCandidate(fn func(protocol.Candidate)) {
	c.mu.Lock()
	c.onLocal = fn
	c.mu.Unlock()
}

// OnRemoteTrack registers the handler invoked when the remote audio path
// is established.
func (c *Connection) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// OnFailure registers the terminal-failure handler. Negotiation failures
// are reported upward, never retried here.
func (c *Connection) OnFailure(fn func(error)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// Close releases all negotiation resources. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", c.sid).Msg("close")
		return
	}
	log.Info().Str("module", "rtc").Str("sid", c.sid).Msg("closed")
}

func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func toProtocol(ci webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func fromProtocol(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
