package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

// MemoryStore keeps records in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	apps        map[string]*contracts.App
	keys        map[string]*contracts.Key
	keyByHash   map[string]string
	drafts      map[string]*contracts.Draft
	executions  []*contracts.Execution
	idempotency map[string]*contracts.Execution
	preflights  map[string]*contracts.PreflightRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:        make(map[string]*contracts.App),
		keys:        make(map[string]*contracts.Key),
		keyByHash:   make(map[string]string),
		drafts:      make(map[string]*contracts.Draft),
		idempotency: make(map[string]*contracts.Execution),
		preflights:  make(map[string]*contracts.PreflightRecord),
	}
}

func (s *MemoryStore) CreateApp(_ context.Context, app *contracts.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app.ID]; ok {
		return ErrConflict
	}
	s.apps[app.ID] = app.Clone()
	return nil
}

func (s *MemoryStore) GetApp(_ context.Context, id string) (*contracts.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return app.Clone(), nil
}

func (s *MemoryStore) ListApps(_ context.Context) ([]*contracts.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.App, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, app.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateAppSettings(_ context.Context, id string, mutate func(*contracts.App) error) (*contracts.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if app.Status != contracts.AppStatusActive {
		return nil, ErrConflict
	}
	next := app.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	app.Policy = next.Policy
	app.AutoExecute = next.AutoExecute
	app.UpdatedAt = next.UpdatedAt
	return app.Clone(), nil
}

func (s *MemoryStore) RevokeApp(_ context.Context, id string, at time.Time) (*contracts.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	app.Status = contracts.AppStatusRevoked
	app.UpdatedAt = at
	for _, key := range s.keys {
		if key.AppID == id && key.RevokedAt == nil {
			revokedAt := at
			key.RevokedAt = &revokedAt
		}
	}
	return app.Clone(), nil
}

func (s *MemoryStore) CreateKey(_ context.Context, key *contracts.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.keyByHash[key.TokenHash]; ok {
		return ErrConflict
	}
	cp := *key
	s.keys[key.ID] = &cp
	s.keyByHash[key.TokenHash] = key.ID
	return nil
}

func (s *MemoryStore) GetKey(_ context.Context, id string) (*contracts.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryStore) FindKeyByHash(_ context.Context, tokenHash string) (*contracts.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyByHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.keys[id]
	return &cp, nil
}

func (s *MemoryStore) ListKeys(_ context.Context, appID string) ([]*contracts.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Key
	for _, key := range s.keys {
		if key.AppID == appID {
			cp := *key
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) TouchKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) RevokeKey(_ context.Context, id string, at time.Time) (*contracts.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	if key.RevokedAt == nil {
		key.RevokedAt = &at
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryStore) CreateDraft(_ context.Context, draft *contracts.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[draft.ID]; ok {
		return ErrConflict
	}
	s.drafts[draft.ID] = draft.Clone()
	return nil
}

func (s *MemoryStore) GetDraft(_ context.Context, id string) (*contracts.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) ListDrafts(_ context.Context, filter DraftFilter) ([]*contracts.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Draft
	for _, d := range s.drafts {
		if filter.AppID != "" && d.AppID != filter.AppID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) TransitionDraft(_ context.Context, id string, from []contracts.DraftStatus, mutate func(*contracts.Draft)) (*contracts.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(d.Status, from) {
		return nil, ErrConflict
	}
	next := d.Clone()
	mutate(next)
	s.drafts[id] = next
	return next.Clone(), nil
}

func idempotencyIndex(appID, key string) string {
	return appID + "\x00" + key
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *contracts.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := exec.Clone()
	if exec.IdempotencyKey != "" {
		idx := idempotencyIndex(exec.AppID, exec.IdempotencyKey)
		if _, taken := s.idempotency[idx]; taken {
			return ErrConflict
		}
		s.idempotency[idx] = cp
	}
	s.executions = append(s.executions, cp)
	return nil
}

func (s *MemoryStore) FinishExecution(_ context.Context, exec *contracts.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stored := range s.executions {
		if stored.ID != exec.ID {
			continue
		}
		if stored.Status != contracts.ExecutionPending {
			return ErrConflict
		}
		// the idempotency index shares this record
		stored.Status = exec.Status
		stored.Result = contracts.CloneMap(exec.Result)
		stored.Error = exec.Error
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) FindExecutionByIdempotencyKey(_ context.Context, appID, key string) (*contracts.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.idempotency[idempotencyIndex(appID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) LatestExecution(_ context.Context, draftID string) (*contracts.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].DraftID == draftID {
			return s.executions[i].Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SavePreflight(_ context.Context, rec *contracts.PreflightRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.preflights {
		if !p.ExpiresAt.After(rec.CreatedAt) {
			delete(s.preflights, id)
		}
	}
	s.preflights[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetPreflight(_ context.Context, id string, now time.Time) (*contracts.PreflightRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.preflights[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.ExpiresAt.After(now) {
		delete(s.preflights, id)
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}
