// Package store persists apps, keys, drafts, executions and preflight
// commitments. Every read-modify-write the engines depend on is a single
// atomic operation of the Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

var (
	// ErrNotFound is returned when a record does not exist (or has expired).
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write loses: a draft was
	// not in an expected status, or an idempotency key is already taken.
	ErrConflict = errors.New("conflicting write")
)

// DraftFilter narrows ListDrafts. Empty fields match everything.
type DraftFilter struct {
	AppID  string
	Status contracts.DraftStatus
}

// Store is the credential store.
type Store interface {
	CreateApp(ctx context.Context, app *contracts.App) error
	GetApp(ctx context.Context, id string) (*contracts.App, error)
	// ListApps returns apps most recently updated first.
	ListApps(ctx context.Context) ([]*contracts.App, error)
	// UpdateAppSettings applies mutate to an active app and persists only its
	// policy, auto-execute config and updated_at. It returns ErrConflict when
	// the app is not active; an error from mutate aborts the update.
	UpdateAppSettings(ctx context.Context, id string, mutate func(*contracts.App) error) (*contracts.App, error)
	// RevokeApp marks the app revoked and revokes every key it owns.
	RevokeApp(ctx context.Context, id string, at time.Time) (*contracts.App, error)

	CreateKey(ctx context.Context, key *contracts.Key) error
	GetKey(ctx context.Context, id string) (*contracts.Key, error)
	FindKeyByHash(ctx context.Context, tokenHash string) (*contracts.Key, error)
	// ListKeys returns an app's keys oldest first.
	ListKeys(ctx context.Context, appID string) ([]*contracts.Key, error)
	TouchKey(ctx context.Context, id string, at time.Time) error
	RevokeKey(ctx context.Context, id string, at time.Time) (*contracts.Key, error)

	CreateDraft(ctx context.Context, draft *contracts.Draft) error
	GetDraft(ctx context.Context, id string) (*contracts.Draft, error)
	// ListDrafts returns drafts most recently updated first.
	ListDrafts(ctx context.Context, filter DraftFilter) ([]*contracts.Draft, error)
	// TransitionDraft applies mutate to the draft only if its current status
	// is one of from, and persists the result. It returns ErrConflict when
	// the status did not match.
	TransitionDraft(ctx context.Context, id string, from []contracts.DraftStatus, mutate func(*contracts.Draft)) (*contracts.Draft, error)

	// CreateExecution returns ErrConflict when the execution carries an
	// idempotency key already recorded for the same app.
	CreateExecution(ctx context.Context, exec *contracts.Execution) error
	// FinishExecution settles a pending execution with exec's status, result
	// and error. It returns ErrConflict when the execution is not pending.
	FinishExecution(ctx context.Context, exec *contracts.Execution) error
	FindExecutionByIdempotencyKey(ctx context.Context, appID, key string) (*contracts.Execution, error)
	LatestExecution(ctx context.Context, draftID string) (*contracts.Execution, error)

	SavePreflight(ctx context.Context, rec *contracts.PreflightRecord) error
	// GetPreflight returns ErrNotFound for unknown and expired records;
	// expired records are purged.
	GetPreflight(ctx context.Context, id string, now time.Time) (*contracts.PreflightRecord, error)
}

func statusIn(s contracts.DraftStatus, from []contracts.DraftStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}
