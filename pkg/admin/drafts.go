package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/agent"
	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/audit"
	"github.com/VancouverCanada/openport/pkg/auth"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/store"
)

// DraftSummary is a draft row in the review queue.
type DraftSummary struct {
	ID                   string                `json:"id"`
	AppID                string                `json:"app_id"`
	ActionType           string                `json:"action_type"`
	Status               contracts.DraftStatus `json:"status"`
	RequiresConfirmation bool                  `json:"requires_confirmation"`
	AutoExecuteRequested bool                  `json:"auto_execute_requested"`
	CreatedAt            string                `json:"created_at"`
	UpdatedAt            string                `json:"updated_at"`
	ConfirmedAt          *string               `json:"confirmed_at"`
	CanceledAt           *string               `json:"canceled_at"`
	Execution            *contracts.Execution  `json:"execution"`
}

// DraftDetail is a full draft with its latest execution.
type DraftDetail struct {
	Draft     *contracts.Draft     `json:"draft"`
	Execution *contracts.Execution `json:"execution"`
}

// ListDrafts returns drafts most recently updated first.
func (e *Engine) ListDrafts(ctx context.Context, filter store.DraftFilter) ([]DraftSummary, error) {
	switch filter.Status {
	case "", contracts.DraftStatusDraft, contracts.DraftStatusConfirmed, contracts.DraftStatusCanceled, contracts.DraftStatusFailed:
	default:
		return nil, apierror.Validation("Invalid draft status")
	}
	drafts, err := e.store.ListDrafts(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]DraftSummary, 0, len(drafts))
	for _, d := range drafts {
		exec, err := e.latestExecution(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, DraftSummary{
			ID:                   d.ID,
			AppID:                d.AppID,
			ActionType:           d.ActionType,
			Status:               d.Status,
			RequiresConfirmation: d.RequiresConfirmation,
			AutoExecuteRequested: d.AutoExecuteRequested,
			CreatedAt:            contracts.FormatTime(d.CreatedAt),
			UpdatedAt:            contracts.FormatTime(d.UpdatedAt),
			ConfirmedAt:          formatOptional(d.ConfirmedAt),
			CanceledAt:           formatOptional(d.CanceledAt),
			Execution:            exec,
		})
	}
	return out, nil
}

func (e *Engine) GetDraft(ctx context.Context, id string) (*DraftDetail, error) {
	draft, err := e.draft(ctx, id)
	if err != nil {
		return nil, err
	}
	exec, err := e.latestExecution(ctx, draft.ID)
	if err != nil {
		return nil, err
	}
	return &DraftDetail{Draft: draft, Execution: exec}, nil
}

// ApproveDraft confirms a pending draft and executes it on behalf of the
// app's actor, attributing the confirmation to the operator. If execution
// is refused the draft ends failed; if the store fails before the attempt
// is recorded it stays confirmed and the agent can execute it again.
func (e *Engine) ApproveDraft(ctx context.Context, operatorID, id, note string) (*agent.ExecuteResult, error) {
	draft, err := e.draft(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status != contracts.DraftStatusDraft {
		return nil, apierror.BadRequest(apierror.CodeDraftAlreadyFinal, "Draft is not pending")
	}

	app, appErr := e.store.GetApp(ctx, draft.AppID)
	key, keyErr := e.store.GetKey(ctx, draft.KeyID)
	for _, err := range []error{appErr, keyErr} {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierror.NotFound("Agent app or key missing")
		}
		if err != nil {
			return nil, err
		}
	}

	now := e.clock()
	_, err = e.store.TransitionDraft(ctx, draft.ID, []contracts.DraftStatus{contracts.DraftStatusDraft}, func(d *contracts.Draft) {
		d.Status = contracts.DraftStatusConfirmed
		d.ConfirmedByUserID = operatorID
		d.ConfirmedAt = &now
		d.UpdatedAt = now
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, apierror.BadRequest(apierror.CodeDraftAlreadyFinal, "Draft is not pending")
	}
	if err != nil {
		return nil, err
	}

	rc := &contracts.RequestContext{
		App:         app,
		Key:         key,
		ActorUserID: actorFor(app, operatorID),
		RequestID:   auth.GetRequestID(ctx),
	}
	result, err := e.executor.ExecuteDraft(ctx, rc, draft.ID, operatorID)
	if err != nil {
		return nil, err
	}

	e.log(ctx, audit.Event{
		AppID:             app.ID,
		KeyID:             key.ID,
		ActorUserID:       rc.ActorUserID,
		PerformedByUserID: operatorID,
		Action:            "agent.draft.approve",
		DraftID:           draft.ID,
		ExecutionID:       result.Execution.ID,
		Details:           map[string]any{"note": contracts.Nullable(strings.TrimSpace(note))},
	})
	return result, nil
}

// RejectDraft cancels a pending draft without running it.
func (e *Engine) RejectDraft(ctx context.Context, operatorID, id, note string) (*contracts.Draft, error) {
	now := e.clock()
	draft, err := e.store.TransitionDraft(ctx, strings.TrimSpace(id), []contracts.DraftStatus{contracts.DraftStatusDraft}, func(d *contracts.Draft) {
		d.Status = contracts.DraftStatusCanceled
		d.CanceledAt = &now
		d.UpdatedAt = now
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apierror.DraftNotFound("Draft not found")
	case errors.Is(err, store.ErrConflict):
		return nil, apierror.BadRequest(apierror.CodeDraftAlreadyFinal, "Draft is not pending")
	case err != nil:
		return nil, err
	}

	e.log(ctx, audit.Event{
		AppID:             draft.AppID,
		KeyID:             draft.KeyID,
		ActorUserID:       draft.ActorUserID,
		PerformedByUserID: operatorID,
		Action:            "agent.draft.reject",
		DraftID:           draft.ID,
		Details:           map[string]any{"note": contracts.Nullable(strings.TrimSpace(note))},
	})
	return draft, nil
}

func (e *Engine) draft(ctx context.Context, id string) (*contracts.Draft, error) {
	draft, err := e.store.GetDraft(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.DraftNotFound("Draft not found")
	}
	return draft, err
}

func (e *Engine) latestExecution(ctx context.Context, draftID string) (*contracts.Execution, error) {
	exec, err := e.store.LatestExecution(ctx, draftID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return exec, err
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := contracts.FormatTime(*t)
	return &s
}
