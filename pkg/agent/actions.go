package agent

import (
	"cmp"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/audit"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/policy"
	"github.com/VancouverCanada/openport/pkg/store"
	"github.com/VancouverCanada/openport/pkg/tooling"
)

// ActionInput is the body of an action request. A nil Payload is taken
// from the redeemed preflight.
type ActionInput struct {
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload"`
	PreflightID    string         `json:"preflightId"`
	Execute        bool           `json:"execute"`
	ForceDraft     bool           `json:"forceDraft"`
	RequestID      string         `json:"requestId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Justification  string         `json:"justification"`
	PreflightHash  string         `json:"preflightHash"`
}

// CreateAction records an action as a draft and, when the app's
// auto-execute policy allows it, executes it immediately.
func (e *Engine) CreateAction(ctx context.Context, rc *contracts.RequestContext, in ActionInput) (*ActionResult, error) {
	action := strings.TrimSpace(in.Action)
	payload := in.Payload
	preflightHash := strings.TrimSpace(in.PreflightHash)
	var redeemed *contracts.PreflightRecord

	if id := strings.TrimSpace(in.PreflightID); id != "" {
		rec, err := e.store.GetPreflight(ctx, id, e.clock())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if rec == nil || rec.AppID != rc.App.ID || rec.KeyID != rc.Key.ID || rec.ActorUserID != rc.ActorUserID {
			return nil, apierror.BadRequest(apierror.CodePreflightNotFound, "Preflight not found")
		}
		if rec.ActionType != action {
			return nil, apierror.BadRequest(apierror.CodePreflightMismatch, "Preflight mismatch")
		}
		if payload == nil {
			payload = rec.Payload
		}
		if preflightHash == "" {
			preflightHash = rec.ImpactHash
		}
		redeemed = rec
	}
	if payload == nil {
		return nil, apierror.ActionInvalid("payload required")
	}

	tool := e.tools.ActionTool(action)
	if tool == nil {
		return nil, apierror.ActionUnknown("Unknown action")
	}
	if err := policy.EnsureScope(rc.App, tool.RequiredScopes); err != nil {
		return nil, err
	}
	if err := tool.ValidatePayload(payload); err != nil {
		return nil, err
	}

	cfg := rc.App.AutoExecute
	wantsExecute := in.Execute && !in.ForceDraft
	idemKey := strings.TrimSpace(in.IdempotencyKey)

	if wantsExecute && idemKey != "" {
		// held until the execution is persisted so a concurrent request with
		// the same key sees it as a replay
		unlock := e.locks.Lock(idempotencyLock(rc.App.ID, idemKey))
		defer unlock()

		prior, err := e.store.FindExecutionByIdempotencyKey(ctx, rc.App.ID, idemKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if prior != nil {
			if prior, err = e.awaitExecution(ctx, prior); err != nil {
				return nil, err
			}
			if err := e.record(ctx, rc, audit.Event{
				Action:      "agent.action.idempotency_replay",
				Status:      contracts.AuditSuccess,
				Code:        apierror.CodeIdempotencyReplay,
				ExecutionID: prior.ID,
				DraftID:     prior.DraftID,
				Details:     map[string]any{"executionId": prior.ID, "actionType": tool.Name},
			}); err != nil {
				return nil, err
			}
			e.decisions.RecordDecision(ctx, tool.Name, "replayed")
			return &ActionResult{Status: StatusExecuted, Replayed: true, Execution: prior}, nil
		}
	}

	var impact map[string]any
	var computedHash string
	if tool.Risk == tooling.RiskHigh {
		var err error
		if impact, err = e.impact(ctx, rc, tool, payload); err != nil {
			return nil, err
		}
		if computedHash, err = impactHash(tool.Name, payload, impact); err != nil {
			return nil, err
		}
	}

	witness, witnessHash := map[string]any(nil), ""
	if redeemed != nil && redeemed.StateWitnessHash != "" {
		witness, witnessHash = redeemed.StateWitness, redeemed.StateWitnessHash
	} else {
		var err error
		if witness, witnessHash, err = e.witness(ctx, rc, tool, payload); err != nil {
			return nil, err
		}
	}

	now := e.clock()
	deniedCode := ""
	if wantsExecute {
		deniedCode = policy.EvaluateAutoExecute(cfg, policy.AutoExecuteRequest{
			Action:         tool.Name,
			Risk:           string(tool.Risk),
			Payload:        payload,
			Justification:  in.Justification,
			IdempotencyKey: idemKey,
			PreflightHash:  preflightHash,
			ComputedHash:   computedHash,
			Now:            now,
		}, e.conditions)
	}
	canAutoExecute := wantsExecute && deniedCode == ""

	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		requestID = rc.RequestID
	}
	storedHash := preflightHash
	if storedHash == "" {
		storedHash = computedHash
	}

	draft := &contracts.Draft{
		ID:                   contracts.NewID("drf"),
		AppID:                rc.App.ID,
		KeyID:                rc.Key.ID,
		ActorUserID:          rc.ActorUserID,
		ActionType:           tool.Name,
		Payload:              contracts.CloneMap(payload),
		Status:               contracts.DraftStatusDraft,
		RequiresConfirmation: tool.RequiresConfirmation,
		AutoExecuteRequested: wantsExecute,
		RequestID:            requestID,
		IdempotencyKey:       idemKey,
		Justification:        strings.TrimSpace(in.Justification),
		Preflight:            impact,
		PreflightHash:        storedHash,
		PolicySnapshot: map[string]any{
			"requiredScopes":  tool.RequiredScopes,
			"risk":            tool.Risk,
			"toolFingerprint": tool.Fingerprint,
			"auto_execute":    cfg,
		},
		StateWitness:     witness,
		StateWitnessHash: witnessHash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if canAutoExecute {
		draft.Status = contracts.DraftStatusConfirmed
		draft.ConfirmedAt = &now
	}
	if err := e.store.CreateDraft(ctx, draft); err != nil {
		return nil, err
	}

	ev := audit.Event{
		Action:  "agent.action.draft.created",
		Status:  contracts.AuditSuccess,
		DraftID: draft.ID,
		Details: map[string]any{
			"actionType":            tool.Name,
			"risk":                  tool.Risk,
			"autoExecuteRequested":  wantsExecute,
			"autoExecuteDeniedCode": contracts.Nullable(deniedCode),
		},
	}
	if canAutoExecute {
		ev.Action = "agent.action.auto_execute.requested"
	}
	if deniedCode != "" {
		ev.Status = contracts.AuditDenied
		ev.Code = deniedCode
	}
	if err := e.record(ctx, rc, ev); err != nil {
		return nil, err
	}

	if !canAutoExecute {
		e.decisions.RecordDecision(ctx, tool.Name, cmp.Or(deniedCode, StatusDraft))
		return &ActionResult{Status: StatusDraft, Draft: draft, AutoExecuteDeniedCode: deniedCode}, nil
	}

	res, err := e.execute(ctx, rc, draft.ID, "")
	if err != nil {
		return nil, err
	}
	return &ActionResult{Status: StatusExecuted, Draft: res.Draft, Execution: res.Execution, Replayed: res.Replayed}, nil
}

// ExecuteDraft runs a draft's tool. confirmedBy names the human approver and
// is empty for automatic execution. Refusals move the draft to failed. A
// storage error before the pending execution is written leaves a confirmed
// draft with no execution, and calling ExecuteDraft again retries it.
func (e *Engine) ExecuteDraft(ctx context.Context, rc *contracts.RequestContext, draftID, confirmedBy string) (*ExecuteResult, error) {
	draft, err := e.ownDraft(ctx, rc, draftID)
	if err != nil {
		return nil, err
	}
	if draft.IdempotencyKey != "" {
		unlock := e.locks.Lock(idempotencyLock(draft.AppID, draft.IdempotencyKey))
		defer unlock()
	}
	return e.execute(ctx, rc, draft.ID, confirmedBy)
}

// execute expects the caller to hold the draft's idempotency lock. That lock
// only orders callers inside this process; the pending execution written
// before the tool runs is what makes the key single-use across processes.
func (e *Engine) execute(ctx context.Context, rc *contracts.RequestContext, draftID, confirmedBy string) (*ExecuteResult, error) {
	unlock := e.locks.Lock("draft:" + draftID)
	defer unlock()

	draft, err := e.ownDraft(ctx, rc, draftID)
	if err != nil {
		return nil, err
	}
	switch draft.Status {
	case contracts.DraftStatusCanceled:
		return nil, apierror.BadRequest(apierror.CodeDraftAlreadyFinal, "Draft was canceled")
	case contracts.DraftStatusFailed:
		return nil, apierror.BadRequest(apierror.CodeDraftAlreadyFinal, "Draft already failed")
	}

	performedBy := confirmedBy
	if performedBy == "" {
		performedBy = rc.ActorUserID
	}

	tool := e.tools.ActionTool(draft.ActionType)
	if tool == nil {
		return nil, e.fail(ctx, rc, draft, nil, performedBy, apierror.ActionUnknown("Unknown action"))
	}
	if err := policy.EnsureScope(rc.App, tool.RequiredScopes); err != nil {
		return nil, e.fail(ctx, rc, draft, nil, performedBy, err)
	}

	if draft.IdempotencyKey != "" {
		prior, err := e.store.FindExecutionByIdempotencyKey(ctx, draft.AppID, draft.IdempotencyKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if prior != nil {
			return e.replay(ctx, rc, draft, prior)
		}
	}

	latest, err := e.store.LatestExecution(ctx, draft.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if latest != nil {
		switch latest.Status {
		case contracts.ExecutionSuccess:
			return nil, apierror.BadRequest(apierror.CodeDraftAlreadyFinal, "Draft already executed")
		case contracts.ExecutionPending:
			return nil, apierror.BadRequest(apierror.CodeDraftAlreadyFinal, "Draft is already executing")
		}
	}

	exec := &contracts.Execution{
		ID:             contracts.NewID("exe"),
		DraftID:        draft.ID,
		AppID:          draft.AppID,
		IdempotencyKey: draft.IdempotencyKey,
		Status:         contracts.ExecutionPending,
		CreatedAt:      e.clock(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if !errors.Is(err, store.ErrConflict) || draft.IdempotencyKey == "" {
			return nil, err
		}
		// another process reserved the key between our lookup and insert
		prior, err := e.store.FindExecutionByIdempotencyKey(ctx, draft.AppID, draft.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		return e.replay(ctx, rc, draft, prior)
	}

	if draft.StateWitnessHash != "" {
		_, current, err := e.witness(ctx, rc, tool, draft.Payload)
		if err == nil && current != draft.StateWitnessHash {
			err = preconditionFailed(draft.StateWitnessHash, current)
		}
		if err != nil {
			return nil, e.fail(ctx, rc, draft, exec, performedBy, err)
		}
	}

	result, err := tool.Execute(ctx, rc, draft.Payload)
	if err != nil {
		return nil, e.fail(ctx, rc, draft, exec, performedBy, err)
	}

	exec.Status = contracts.ExecutionSuccess
	exec.Result = result
	if err := e.store.FinishExecution(ctx, exec); err != nil {
		return nil, err
	}

	now := e.clock()
	updated, err := e.store.TransitionDraft(ctx, draft.ID,
		[]contracts.DraftStatus{contracts.DraftStatusDraft, contracts.DraftStatusConfirmed},
		func(d *contracts.Draft) {
			d.Status = contracts.DraftStatusConfirmed
			d.UpdatedAt = now
			d.CanceledAt = nil
			if confirmedBy != "" {
				d.ConfirmedByUserID = confirmedBy
				d.ConfirmedAt = &now
			} else if d.ConfirmedAt == nil {
				d.ConfirmedAt = &now
			}
		})
	if err != nil {
		return nil, err
	}

	if err := e.record(ctx, rc, audit.Event{
		PerformedByUserID: performedBy,
		Action:            "agent.action.execute",
		Status:            contracts.AuditSuccess,
		DraftID:           draft.ID,
		ExecutionID:       exec.ID,
		Details:           map[string]any{"actionType": tool.Name},
	}); err != nil {
		return nil, err
	}
	e.decisions.RecordDecision(ctx, tool.Name, StatusExecuted)
	return &ExecuteResult{Draft: updated, Execution: exec}, nil
}

// replay answers with the execution already recorded under the draft's
// idempotency key. A different draft that lost the key will never run, so
// it is canceled.
func (e *Engine) replay(ctx context.Context, rc *contracts.RequestContext, draft *contracts.Draft, prior *contracts.Execution) (*ExecuteResult, error) {
	prior, err := e.awaitExecution(ctx, prior)
	if err != nil {
		return nil, err
	}
	if prior.DraftID != draft.ID {
		now := e.clock()
		canceled, err := e.store.TransitionDraft(ctx, draft.ID,
			[]contracts.DraftStatus{contracts.DraftStatusDraft, contracts.DraftStatusConfirmed},
			func(d *contracts.Draft) {
				d.Status = contracts.DraftStatusCanceled
				d.CanceledAt = &now
				d.UpdatedAt = now
			})
		switch {
		case err == nil:
			draft = canceled
		case !errors.Is(err, store.ErrConflict):
			return nil, err
		}
	}
	if err := e.record(ctx, rc, audit.Event{
		Action:      "agent.action.idempotency_replay",
		Status:      contracts.AuditSuccess,
		Code:        apierror.CodeIdempotencyReplay,
		DraftID:     draft.ID,
		ExecutionID: prior.ID,
		Details:     map[string]any{"executionId": prior.ID, "actionType": draft.ActionType},
	}); err != nil {
		return nil, err
	}
	e.decisions.RecordDecision(ctx, draft.ActionType, "replayed")
	return &ExecuteResult{Draft: draft, Execution: prior, Replayed: true}, nil
}

// awaitExecution polls a pending execution until it settles or pendingWait
// passes. An execution still pending after that is returned as is.
func (e *Engine) awaitExecution(ctx context.Context, exec *contracts.Execution) (*contracts.Execution, error) {
	if exec.Status != contracts.ExecutionPending {
		return exec, nil
	}
	deadline := time.NewTimer(e.pendingWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pendingPoll)
	defer ticker.Stop()
	for exec.Status == contracts.ExecutionPending {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return exec, nil
		case <-ticker.C:
		}
		next, err := e.store.FindExecutionByIdempotencyKey(ctx, exec.AppID, exec.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		exec = next
	}
	return exec, nil
}

// fail settles exec (or records a new execution when the attempt never got
// one) as failed, moves the draft to failed and returns cause.
func (e *Engine) fail(ctx context.Context, rc *contracts.RequestContext, draft *contracts.Draft, exec *contracts.Execution, performedBy string, cause error) error {
	message := cause.Error()
	code := apierror.CodeInternal
	if coded, ok := apierror.From(cause); ok {
		message = coded.Message
		code = coded.Code
		if code == apierror.CodePreconditionFailed {
			message = code
		}
	}

	now := e.clock()
	if exec != nil {
		exec.Status = contracts.ExecutionFailed
		exec.Error = message
		if err := e.store.FinishExecution(ctx, exec); err != nil {
			e.logger.Error("record failed execution", "draft_id", draft.ID, "error", err)
		}
	} else {
		// no key reservation: the tool was never reached
		exec = &contracts.Execution{
			ID:        contracts.NewID("exe"),
			DraftID:   draft.ID,
			AppID:     draft.AppID,
			Status:    contracts.ExecutionFailed,
			Error:     message,
			CreatedAt: now,
		}
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			e.logger.Error("record failed execution", "draft_id", draft.ID, "error", err)
		}
	}
	if _, err := e.store.TransitionDraft(ctx, draft.ID,
		[]contracts.DraftStatus{contracts.DraftStatusDraft, contracts.DraftStatusConfirmed},
		func(d *contracts.Draft) {
			d.Status = contracts.DraftStatusFailed
			d.UpdatedAt = now
		}); err != nil {
		e.logger.Error("mark draft failed", "draft_id", draft.ID, "error", err)
	}
	if err := e.record(ctx, rc, audit.Event{
		PerformedByUserID: performedBy,
		Action:            "agent.action.execute",
		Status:            contracts.AuditFailed,
		Code:              code,
		DraftID:           draft.ID,
		ExecutionID:       exec.ID,
		Details:           map[string]any{"actionType": draft.ActionType, "error": message},
	}); err != nil {
		e.logger.Error("audit failed execution", "draft_id", draft.ID, "error", err)
	}
	e.decisions.RecordDecision(ctx, draft.ActionType, "failed")
	return cause
}

func idempotencyLock(appID, key string) string {
	return "idem:" + appID + ":" + key
}
