package syncer

import (
	"context"
	"errors"

	"offline-sync-engine/internal/models"
)

// ApplyStatus classifies the outcome of one remote apply call. The zero value
// is not a valid outcome and is handled as a transient failure.
type ApplyStatus int

const (
	applyUnknown ApplyStatus = iota
	ApplySuccess
	ApplyTransient
	ApplyPermanent
)

func (s ApplyStatus) String() string {
	switch s {
	case ApplySuccess:
		return "success"
	case ApplyTransient:
		return "transient"
	case ApplyPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ApplyResult is what the remote collaborator reports for one item.
type ApplyResult struct {
	Status ApplyStatus
	// RecordID is the id the remote service assigned to a created record.
	RecordID string
	Err      error
}

// ApplyFunc replays one queued mutation against the remote service. It must
// honour ctx cancellation; the orchestrator bounds each call with a deadline.
type ApplyFunc func(ctx context.Context, item models.QueueItem) ApplyResult

// Success reports a confirmed remote write.
func Success(recordID string) ApplyResult {
	return ApplyResult{Status: ApplySuccess, RecordID: recordID}
}

// Transient reports a failure expected to clear without changing the mutation.
func Transient(err error) ApplyResult {
	return ApplyResult{Status: ApplyTransient, Err: err}
}

// Permanent reports that the mutation itself is invalid against remote state.
func Permanent(err error) ApplyResult {
	return ApplyResult{Status: ApplyPermanent, Err: err}
}

func (r ApplyResult) reason() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Status.String() + " failure"
}

var errUnresolvedRef = errors.New("record created offline was never confirmed by the remote service")

type actingUserKey struct{}

// WithActingUser attaches the user on whose behalf a sync run applies items.
func WithActingUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actingUserKey{}, userID)
}

// ActingUser returns the user attached by WithActingUser, or "".
func ActingUser(ctx context.Context) string {
	v, _ := ctx.Value(actingUserKey{}).(string)
	return v
}
