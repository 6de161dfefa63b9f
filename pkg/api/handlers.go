package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/VancouverCanada/openport/pkg/admin"
	"github.com/VancouverCanada/openport/pkg/agent"
	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/policy"
	"github.com/VancouverCanada/openport/pkg/store"
)

// Agent routes.

func (s *Server) manifest(_ *http.Request, rc *contracts.RequestContext) (any, error) {
	return s.agent.Manifest(rc), nil
}

func (s *Server) listLedgers(r *http.Request, rc *contracts.RequestContext) (any, error) {
	return s.agent.ListLedgers(r.Context(), rc)
}

func (s *Server) listTransactions(r *http.Request, rc *contracts.RequestContext) (any, error) {
	page, err := queryInt(r, "page")
	if err != nil {
		return nil, err
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	return s.agent.ListTransactions(r.Context(), rc, contracts.TransactionQuery{
		LedgerID:  q.Get("ledgerId"),
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
		Page:      page,
		PageSize:  pageSize,
	})
}

func (s *Server) preflight(r *http.Request, rc *contracts.RequestContext) (any, error) {
	var in agent.PreflightInput
	if err := decodeJSON(r, &in, false); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Action) == "" {
		return nil, apierror.Validation("action required")
	}
	if in.Payload == nil {
		return nil, apierror.Validation("payload required")
	}
	return s.agent.Preflight(r.Context(), rc, in)
}

func (s *Server) createAction(r *http.Request, rc *contracts.RequestContext) (any, error) {
	var in agent.ActionInput
	if err := decodeJSON(r, &in, false); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Action) == "" {
		return nil, apierror.Validation("action required")
	}
	if in.Payload == nil && strings.TrimSpace(in.PreflightID) == "" {
		return nil, apierror.Validation("payload required")
	}
	return s.agent.CreateAction(r.Context(), rc, in)
}

func (s *Server) agentDraft(r *http.Request, rc *contracts.RequestContext) (any, error) {
	return s.agent.GetDraft(r.Context(), rc, mux.Vars(r)["id"])
}

// Admin routes.

func (s *Server) listApps(r *http.Request, _ string) (any, error) {
	return s.admin.ListApps(r.Context())
}

func (s *Server) createApp(r *http.Request, operatorID string) (any, error) {
	var in admin.CreateAppInput
	if err := decodeJSON(r, &in, false); err != nil {
		return nil, err
	}
	return s.admin.CreateApp(r.Context(), operatorID, in)
}

func (s *Server) createKey(r *http.Request, operatorID string) (any, error) {
	var in admin.CreateKeyInput
	if err := decodeJSON(r, &in, true); err != nil {
		return nil, err
	}
	return s.admin.CreateKey(r.Context(), operatorID, mux.Vars(r)["id"], in)
}

func (s *Server) revokeApp(r *http.Request, operatorID string) (any, error) {
	return s.admin.RevokeApp(r.Context(), operatorID, mux.Vars(r)["id"])
}

func (s *Server) revokeKey(r *http.Request, operatorID string) (any, error) {
	return s.admin.RevokeKey(r.Context(), operatorID, mux.Vars(r)["id"])
}

func (s *Server) updatePolicy(r *http.Request, operatorID string) (any, error) {
	var p contracts.Policy
	if err := decodeJSON(r, &p, false); err != nil {
		return nil, err
	}
	return s.admin.UpdatePolicy(r.Context(), operatorID, mux.Vars(r)["id"], p)
}

func (s *Server) updateAutoExecute(r *http.Request, operatorID string) (any, error) {
	var in policy.AutoExecuteInput
	if err := decodeJSON(r, &in, false); err != nil {
		return nil, err
	}
	return s.admin.UpdateAutoExecute(r.Context(), operatorID, mux.Vars(r)["id"], in)
}

func (s *Server) listAppTools(r *http.Request, _ string) (any, error) {
	return s.admin.ListAppTools(r.Context(), mux.Vars(r)["id"])
}

func (s *Server) listDrafts(r *http.Request, _ string) (any, error) {
	q := r.URL.Query()
	return s.admin.ListDrafts(r.Context(), store.DraftFilter{
		AppID:  strings.TrimSpace(q.Get("appId")),
		Status: contracts.DraftStatus(strings.TrimSpace(q.Get("status"))),
	})
}

func (s *Server) adminDraft(r *http.Request, _ string) (any, error) {
	return s.admin.GetDraft(r.Context(), mux.Vars(r)["id"])
}

type noteInput struct {
	Note string `json:"note"`
}

func (s *Server) approveDraft(r *http.Request, operatorID string) (any, error) {
	var in noteInput
	if err := decodeJSON(r, &in, true); err != nil {
		return nil, err
	}
	return s.admin.ApproveDraft(r.Context(), operatorID, mux.Vars(r)["id"], in.Note)
}

func (s *Server) rejectDraft(r *http.Request, operatorID string) (any, error) {
	var in noteInput
	if err := decodeJSON(r, &in, true); err != nil {
		return nil, err
	}
	return s.admin.RejectDraft(r.Context(), operatorID, mux.Vars(r)["id"], in.Note)
}

func (s *Server) listAudit(r *http.Request, _ string) (any, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	return s.admin.ListAudit(r.Context(), r.URL.Query().Get("appId"), limit)
}

func (s *Server) export(r *http.Request, _ string) (any, error) {
	hash := mux.Vars(r)["hash"]
	data, err := s.admin.Export(r.Context(), hash)
	if err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(hash, "sha256:")
	return &download{name: name + ".csv", contentType: "text/csv; charset=utf-8", data: data}, nil
}
