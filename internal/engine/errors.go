package engine

import "errors"

// Expected business outcomes, surfaced to callers as typed results.
// None of these are process faults.
var (
	// ErrNotFound: unknown batch, request, event, or actor id.
	ErrNotFound = errors.New("not found")

	// ErrForbidden: the acting actor is not a party to the entity.
	ErrForbidden = errors.New("actor is not a party to this entity")

	// ErrNoCandidates: zero eligible helpers at fan-out time.
	ErrNoCandidates = errors.New("no candidates found")

	// ErrRequestorBusy: the requestor already has an active batch.
	ErrRequestorBusy = errors.New("requestor already has an active batch")

	// ErrBatchTimedOut: the parent batch settled to timed_out.
	ErrBatchTimedOut = errors.New("batch timed out")

	// ErrBatchCancelled: the parent batch was cancelled by the requestor.
	ErrBatchCancelled = errors.New("batch cancelled")

	// ErrAlreadyAccepted: another candidate won the batch first.
	ErrAlreadyAccepted = errors.New("batch already accepted")

	// ErrAlreadyResolved: mutation attempted on a settled request.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrEventOver: complete/cancel/payment on a terminal event.
	ErrEventOver = errors.New("event already over")
)
