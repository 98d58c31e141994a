// Package relay implements the registration/relay backend: it binds phone
// numbers to live channels, routes call setup between them, and forwards
// audio through the translation hook. The call cores treat it as an
// external collaborator; it keeps no call state machine of its own beyond
// the active pairing.
package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/domain"
	"github.com/keylan/babelcall/internal/protocol"
)

var (
	ErrNumberTaken   = errors.New("number already registered")
	ErrUnknownNumber = errors.New("unknown number")
)

// ClientConn is the transport endpoint of one registered client. Owned by
// the controller; the registry only fans messages out to it.
type ClientConn interface {
	TrySend(protocol.Message) error
	TrySendBinary([]byte) error
	Close()
}

type entry struct {
	lang domain.Language
	conn ClientConn
	peer domain.Number // current call partner, "" when free
}

// Registry maps registered numbers to their channels and tracks which
// pairs are in a call.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.Number]*entry
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.Number]*entry)}
}

// Bind registers a number for the lifetime of its connection.
func (r *Registry) Bind(number domain.Number, lang domain.Language, conn ClientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[number]; ok {
		return ErrNumberTaken
	}
	r.clients[number] = &entry{lang: lang, conn: conn}
	log.Info().Str("module", "relay.registry").Str("number", string(number)).
		Str("language", string(lang)).Msg("registered")
	return nil
}

// Unbind drops the number and returns the peer it was paired with, so the
// caller can notify it.
func (r *Registry) Unbind(number domain.Number) (domain.Number, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[number]
	if !ok {
		return "", false
	}
	delete(r.clients, number)
	if e.peer != "" {
		if p, ok := r.clients[e.peer]; ok {
			p.peer = ""
		}
		log.Info().Str("module", "relay.registry").Str("number", string(number)).
			Str("peer", string(e.peer)).Msg("unregistered mid-call")
		return e.peer, true
	}
	log.Info().Str("module", "relay.registry").Str("number", string(number)).Msg("unregistered")
	return "", false
}

// Lookup returns the channel and language of a registered number.
func (r *Registry) Lookup(number domain.Number) (ClientConn, domain.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[number]
	if !ok {
		return nil, "", false
	}
	return e.conn, e.lang, true
}

// Busy reports whether the number is currently paired.
func (r *Registry) Busy(number domain.Number) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[number]
	return ok && e.peer != ""
}

// Pair marks two numbers as in a call with each other.
func (r *Registry) Pair(a, b domain.Number) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ea, ok := r.clients[a]; ok {
		ea.peer = b
	}
	if eb, ok := r.clients[b]; ok {
		eb.peer = a
	}
}

// Unpair clears the pairing of a number and of whoever it pointed at.
func (r *Registry) Unpair(number domain.Number) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[number]
	if !ok {
		return
	}
	if p, ok := r.clients[e.peer]; ok && p.peer == number {
		p.peer = ""
	}
	e.peer = ""
}

// PeerOf returns the active call partner of a number.
func (r *Registry) PeerOf(number domain.Number) (domain.Number, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[number]
	if !ok || e.peer == "" {
		return "", false
	}
	return e.peer, true
}

// Count reports the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
