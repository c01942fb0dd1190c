package chat

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"healthchat/internal/storage"
)

var (
	// ErrValidation marks malformed input. Flows return it before writing anything.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers both missing conversations and conversations owned by
	// someone else, so callers cannot test for existence.
	ErrNotFound = errors.New("conversation not found")
	// ErrPersistence marks a store failure. Earlier writes of the same flow are kept.
	ErrPersistence = errors.New("persistence failure")
)

func validationError(msg string) error {
	return errors.WithMessage(ErrValidation, msg)
}

type persistenceError struct {
	op  string
	err error
}

func (e *persistenceError) Error() string { return e.op + ": " + e.err.Error() }

func (e *persistenceError) Unwrap() error { return e.err }

func (e *persistenceError) Is(target error) bool { return target == ErrPersistence }

// storeError classifies a store error: missing rows become ErrNotFound,
// everything else a persistence failure.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrap(ErrNotFound, op)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &persistenceError{op: op, err: err}
}

// FlowError reports how far a multi-step flow got before a step failed.
type FlowError struct {
	Flow      string
	Completed []string
	Failed    string
	Err       error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: step %s failed after [%s]: %v", e.Flow, e.Failed, strings.Join(e.Completed, ", "), e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }
