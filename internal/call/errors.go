package call

import (
	"errors"
	"fmt"
)

var ErrBusy = errors.New("another call is active")

// RemoteFailure carries a backend-reported callFailed reason, surfaced to
// the user verbatim.
type RemoteFailure struct {
	Reason string
}

func (e *RemoteFailure) Error() string { return fmt.Sprintf("call failed: %s", e.Reason) }
