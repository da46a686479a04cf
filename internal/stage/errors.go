package stage

import (
	"errors"
	"fmt"

	"github.com/ashureev/improv-stage/internal/store"
)

var (
	// ErrSequence is returned when a turn number is not the next one.
	ErrSequence = errors.New("turn out of sequence")
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = store.ErrSessionNotFound
	// ErrSessionClosed is returned once the scene has ended.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotReady is returned before the warm-up has finished.
	ErrSessionNotReady = errors.New("session not ready for turns")
	// ErrInvalidInput is returned for requests the stage cannot play.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTranscription is returned when spoken input could not be turned
	// into text. The turn is not committed and may be resent.
	ErrTranscription = errors.New("transcription failed")
)

// SequenceError carries the turn number the session expected.
type SequenceError struct {
	Expected int
	Got      int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%v: expected turn %d, got %d", ErrSequence, e.Expected, e.Got)
}

func (e *SequenceError) Is(target error) bool { return target == ErrSequence }
