package audio

import (
	"errors"
	"fmt"
)

var errClosed = errors.New("pipeline closed")

// DeviceError reports a microphone or speaker that could not be acquired.
// Terminal for the call attempt; never retried by the pipelines.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("audio device %s: %v", e.Op, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }
