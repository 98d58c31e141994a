package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/keylan/babelcall/internal/domain"
	"github.com/keylan/babelcall/internal/protocol"
)

// session holds everything owned by one call attempt. A new call always
// builds a new session; none of these resources are ever reused.
type session struct {
	id     string // generation token; stale async results are discarded by it
	remote domain.Peer

	// Offer and trickled candidates stored between incomingCall and the
	// user's answer; the caller keeps trickling while the phone rings.
	pendingOffer string
	pendingCands []protocol.Candidate

	neg  Negotiator
	cap  Capture
	play Playback

	ctx    context.Context
	cancel context.CancelFunc

	started  time.Time // set on reaching connected; display only
	tornDown bool
}

func newSession(remote domain.Peer) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     uuid.NewString(),
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
	}
}

// teardown releases every resource exactly once, from whichever path got
// here first. Safe to call repeatedly.
func (s *session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.cancel()
	if s.cap != nil {
		s.cap.Stop()
	}
	if s.play != nil {
		s.play.Teardown()
	}
	if s.neg != nil {
		s.neg.Close()
	}
}

// duration reports elapsed connected time, zero before connected.
func (s *session) duration(now time.Time) time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return now.Sub(s.started)
}
