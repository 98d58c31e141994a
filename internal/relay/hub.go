package relay

import (
	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/domain"
	"github.com/keylan/babelcall/internal/protocol"
)

// Hub routes signaling messages and audio between registered clients.
// Transport-agnostic: the websocket controller feeds it decoded envelopes.
type Hub struct {
	reg        *Registry
	translator Translator
}

func NewHub(reg *Registry, tr Translator) *Hub {
	if tr == nil {
		tr = Passthrough{}
	}
	return &Hub{reg: reg, translator: tr}
}

// Register binds a connecting client. The register message must be the
// first one on the channel; a taken number is refused with callFailed.
func (h *Hub) Register(msg protocol.Message, conn ClientConn) (domain.Number, error) {
	number, err := domain.ParseNumber(string(msg.PhoneNumber))
	if err != nil {
		_ = conn.TrySend(protocol.CallFailed(err.Error()))
		return "", err
	}
	lang, err := domain.ParseLanguage(string(msg.Language))
	if err != nil {
		_ = conn.TrySend(protocol.CallFailed(err.Error()))
		return "", err
	}
	if err := h.reg.Bind(number, lang, conn); err != nil {
		_ = conn.TrySend(protocol.CallFailed(err.Error()))
		return "", err
	}
	return number, nil
}

// Disconnect unbinds a client; a paired peer gets callEnded so its session
// does not hang.
func (h *Hub) Disconnect(number domain.Number) {
	peer, hadPeer := h.reg.Unbind(number)
	if !hadPeer {
		return
	}
	if conn, _, ok := h.reg.Lookup(peer); ok {
		if err := conn.TrySend(protocol.CallEnded(number)); err != nil {
			log.Warn().Err(err).Str("module", "relay.hub").Str("to", string(peer)).Msg("notify peer of disconnect")
		}
	}
}

// Route dispatches one control message from a registered client.
func (h *Hub) Route(from domain.Number, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCall:
		h.routeCall(from, msg)
	case protocol.TypeAnswer:
		h.routeAnswer(from, msg)
	case protocol.TypeICECandidate:
		h.routeCandidate(from, msg)
	case protocol.TypeCallEnded:
		h.routeCallEnded(from, msg)
	case protocol.TypeCallFailed:
		h.routeCallFailed(from, msg)
	default:
		log.Warn().Str("module", "relay.hub").Str("from", string(from)).
			Str("type", string(msg.Type)).Msg("unroutable message")
	}
}

func (h *Hub) routeCall(from domain.Number, msg protocol.Message) {
	callerConn, callerLang, ok := h.reg.Lookup(from)
	if !ok {
		return
	}
	calleeConn, _, ok := h.reg.Lookup(msg.To)
	if !ok {
		h.refuse(callerConn, "unknown number")
		return
	}
	if h.reg.Busy(msg.To) || h.reg.Busy(from) {
		h.refuse(callerConn, "busy")
		return
	}

	h.reg.Pair(from, msg.To)
	fwd := protocol.IncomingCall(from, callerLang, msg.Offer)
	if err := calleeConn.TrySend(fwd); err != nil {
		h.reg.Unpair(from)
		h.refuse(callerConn, "unreachable")
		return
	}
	log.Info().Str("module", "relay.hub").Str("from", string(from)).
		Str("to", string(msg.To)).Msg("call routed")
}

func (h *Hub) routeAnswer(from domain.Number, msg protocol.Message) {
	_, responderLang, ok := h.reg.Lookup(from)
	if !ok {
		return
	}
	callerConn, _, ok := h.reg.Lookup(msg.To)
	if !ok {
		return
	}
	if err := callerConn.TrySend(protocol.CallAnswered(msg.Answer, responderLang)); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("to", string(msg.To)).Msg("route answer")
	}
}

func (h *Hub) routeCandidate(from domain.Number, msg protocol.Message) {
	if msg.Candidate == nil {
		return
	}
	conn, _, ok := h.reg.Lookup(msg.To)
	if !ok {
		return
	}
	if err := conn.TrySend(protocol.ICECandidate(from, *msg.Candidate)); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("to", string(msg.To)).Msg("route candidate")
	}
}

func (h *Hub) routeCallEnded(from domain.Number, msg protocol.Message) {
	h.reg.Unpair(from)
	conn, _, ok := h.reg.Lookup(msg.To)
	if !ok {
		return
	}
	if err := conn.TrySend(protocol.CallEnded(from)); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("to", string(msg.To)).Msg("route callEnded")
	}
}

// routeCallFailed relays a client-originated refusal (the busy auto-reply)
// to its target, stripping the routing field.
func (h *Hub) routeCallFailed(from domain.Number, msg protocol.Message) {
	h.reg.Unpair(from)
	conn, _, ok := h.reg.Lookup(msg.To)
	if !ok {
		return
	}
	if err := conn.TrySend(protocol.CallFailed(msg.Reason)); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("to", string(msg.To)).Msg("route callFailed")
	}
}

// ForwardAudio pushes one audio chunk to the sender's call partner through
// the translation hook. Chunks with no active pairing are dropped.
func (h *Hub) ForwardAudio(from domain.Number, chunk []byte) {
	peer, ok := h.reg.PeerOf(from)
	if !ok {
		return
	}
	peerConn, peerLang, ok := h.reg.Lookup(peer)
	if !ok {
		return
	}
	_, fromLang, _ := h.reg.Lookup(from)

	out, err := h.translator.Translate(fromLang, peerLang, chunk)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("from", string(from)).Msg("translate chunk")
		return
	}
	if err := peerConn.TrySendBinary(out); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Str("to", string(peer)).Msg("forward audio")
	}
}

func (h *Hub) refuse(conn ClientConn, reason string) {
	if err := conn.TrySend(protocol.CallFailed(reason)); err != nil {
		log.Warn().Err(err).Str("module", "relay.hub").Msg("send refusal")
	}
}
