package task

import (
	"errors"

	"e2e_mediator/internal/cryptographic/encryption"
	"e2e_mediator/internal/protocol/forwardsecurity"
	"e2e_mediator/internal/protocol/mediator"
	"e2e_mediator/internal/service/nonce"
	"e2e_mediator/internal/service/transaction"
	"e2e_mediator/internal/service/transport"
)

var (
	ErrContactNotFound   = errors.New("contact not found")
	ErrAckTimeout        = errors.New("ack timeout")
	ErrSenderMismatch    = errors.New("sender mismatch")
	ErrMalformedResponse = errors.New("malformed response")
	// ErrSkipped completes a task whose preconditions can never be met again.
	ErrSkipped = errors.New("task skipped")
	// ErrPreconditionUnmet keeps a task queued until its preconditions hold.
	ErrPreconditionUnmet = errors.New("task precondition not met")
	ErrRetriesExhausted  = errors.New("task retries exhausted")
	ErrCanceled          = errors.New("task canceled")
	ErrTaskInFlight      = errors.New("task is running")
	ErrTaskNotFound      = errors.New("task not found")
)

// Class tells the manager what to do with a failed task.
type Class int

const (
	// ClassRetryable keeps the task at the head of the queue.
	ClassRetryable Class = iota
	// ClassFatal drops the task and reports the error.
	ClassFatal
	// ClassTransactionFatal aborts a transaction. The task is dropped, callers may enqueue it again.
	ClassTransactionFatal
	// ClassIntegrity drops the task and reports data that must not be trusted.
	ClassIntegrity
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassTransactionFatal:
		return "transaction-fatal"
	case ClassIntegrity:
		return "integrity"
	}
	return "unknown"
}

func Classify(err error) Class {
	switch {
	case errors.Is(err, transport.ErrNotLoggedIn),
		errors.Is(err, ErrAckTimeout),
		errors.Is(err, ErrPreconditionUnmet),
		errors.Is(err, transaction.ErrLockTimeout),
		errors.Is(err, transaction.ErrUnlockTimeout):
		return ClassRetryable
	case errors.Is(err, transaction.ErrSameTransactionInProgress),
		errors.Is(err, transaction.ErrOtherTransactionInProgress),
		errors.Is(err, transaction.ErrMultiDeviceNotRegistered):
		return ClassTransactionFatal
	case errors.Is(err, nonce.ErrNonceIsNil),
		errors.Is(err, encryption.ErrDecryptionFailed),
		errors.Is(err, mediator.ErrDecryptionFailed),
		errors.Is(err, forwardsecurity.ErrInvalidSession):
		return ClassIntegrity
	}
	// contact not found, sender mismatch, malformed input, bad responses, anything unknown
	return ClassFatal
}
