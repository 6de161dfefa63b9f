// Package audit records the append-only trail of every security-relevant
// gateway operation.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

// Event is the caller-supplied part of an audit entry.
type Event struct {
	AppID             string
	KeyID             string
	ActorUserID       string
	PerformedByUserID string
	Action            string
	Status            contracts.AuditStatus
	Code              string
	RequestID         string
	DraftID           string
	ExecutionID       string
	IP                string
	UserAgent         string
	Details           map[string]any
}

// Filter narrows List. A zero Limit means no limit.
type Filter struct {
	AppID string
	Limit int
}

// Sink stores audit entries. Entries are never updated or deleted.
type Sink interface {
	Append(ctx context.Context, entry *contracts.AuditEntry) error
	// List returns entries newest first.
	List(ctx context.Context, filter Filter) ([]*contracts.AuditEntry, error)
}

// Service stamps and persists audit events.
type Service struct {
	sink   Sink
	clock  func() time.Time
	logger *slog.Logger
}

// NewService creates a Service writing to sink.
func NewService(sink Sink) *Service {
	return &Service{
		sink:   sink,
		clock:  contracts.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the time source (for deterministic tests).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Log persists ev and returns the stored entry.
func (s *Service) Log(ctx context.Context, ev Event) (*contracts.AuditEntry, error) {
	entry := &contracts.AuditEntry{
		ID:                contracts.NewID("aud"),
		AppID:             ev.AppID,
		KeyID:             ev.KeyID,
		ActorUserID:       ev.ActorUserID,
		PerformedByUserID: ev.PerformedByUserID,
		Action:            ev.Action,
		Status:            ev.Status,
		Code:              ev.Code,
		RequestID:         ev.RequestID,
		DraftID:           ev.DraftID,
		ExecutionID:       ev.ExecutionID,
		IP:                ev.IP,
		UserAgent:         ev.UserAgent,
		Details:           ev.Details,
		CreatedAt:         s.clock(),
	}
	if err := s.sink.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit: append %s: %w", ev.Action, err)
	}
	s.logger.Debug("audit", "action", entry.Action, "status", entry.Status, "app_id", entry.AppID, "code", entry.Code)
	return entry, nil
}

// List returns entries newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*contracts.AuditEntry, error) {
	return s.sink.List(ctx, filter)
}
