package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VancouverCanada/openport/pkg/contracts"

	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

var t0 = time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

func sampleApp(id string, updated time.Time) *contracts.App {
	days := 30.0
	return &contracts.App{
		ID:            id,
		Scope:         contracts.AppScopeWorkspace,
		Status:        contracts.AppStatusActive,
		Name:          "Demo Integration",
		OrgID:         "org_demo",
		ServiceUserID: "svc_org_demo",
		Scopes:        []string{"ledger.read", "transaction.read"},
		Policy: contracts.Policy{
			Network: &contracts.NetworkPolicy{AllowedIPs: []string{"10.0.0.0/8"}},
			Data:    &contracts.DataPolicy{MaxDays: &days},
		},
		AutoExecute: contracts.AutoExecute{
			HighRisk: contracts.HighRiskTier{RequirePreflight: true, RequireIdempotency: true, MaxExportRows: 1000},
		},
		CreatedBy: "admin_demo",
		CreatedAt: t0,
		UpdatedAt: updated,
	}
}

func sampleKey(id, appID, hash string) *contracts.Key {
	return &contracts.Key{
		ID:          id,
		AppID:       appID,
		Name:        "Default key",
		TokenPrefix: "op_abcdefghi",
		TokenHash:   hash,
		CreatedBy:   "admin_demo",
		CreatedAt:   t0,
	}
}

func sampleDraft(id, appID string, status contracts.DraftStatus, updated time.Time) *contracts.Draft {
	return &contracts.Draft{
		ID:                   id,
		AppID:                appID,
		KeyID:                "key_1",
		ActorUserID:          "svc_org_demo",
		ActionType:           "transaction.delete",
		Payload:              map[string]any{"transactionId": "txn_1"},
		Status:               status,
		RequiresConfirmation: true,
		Preflight:            map[string]any{"summary": "Delete 1 transaction"},
		PolicySnapshot:       map[string]any{"risk": "high"},
		CreatedAt:            t0,
		UpdatedAt:            updated,
	}
}

func TestAppsRoundTripAndOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateApp(ctx, sampleApp("app_old", t0)))
		require.NoError(t, s.CreateApp(ctx, sampleApp("app_new", t0.Add(time.Minute))))

		got, err := s.GetApp(ctx, "app_old")
		require.NoError(t, err)
		assert.Equal(t, "svc_org_demo", got.ServiceUserID)
		assert.Equal(t, []string{"10.0.0.0/8"}, got.Policy.Network.AllowedIPs)
		assert.Equal(t, 30.0, *got.Policy.Data.MaxDays)
		assert.True(t, got.AutoExecute.HighRisk.RequirePreflight)
		assert.Equal(t, t0, got.CreatedAt)

		apps, err := s.ListApps(ctx)
		require.NoError(t, err)
		require.Len(t, apps, 2)
		assert.Equal(t, "app_new", apps[0].ID)

		_, err = s.GetApp(ctx, "app_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReturnedAppsAreCopies(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateApp(ctx, sampleApp("app_1", t0)))

		got, err := s.GetApp(ctx, "app_1")
		require.NoError(t, err)
		got.Scopes[0] = "tampered"

		again, err := s.GetApp(ctx, "app_1")
		require.NoError(t, err)
		assert.Equal(t, "ledger.read", again.Scopes[0])
	})
}

func TestRevokeAppCascadesToKeys(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateApp(ctx, sampleApp("app_1", t0)))
		require.NoError(t, s.CreateKey(ctx, sampleKey("key_1", "app_1", "h1")))
		require.NoError(t, s.CreateKey(ctx, sampleKey("key_2", "app_1", "h2")))
		require.NoError(t, s.CreateApp(ctx, sampleApp("app_2", t0)))
		require.NoError(t, s.CreateKey(ctx, sampleKey("key_3", "app_2", "h3")))

		at := t0.Add(time.Hour)
		app, err := s.RevokeApp(ctx, "app_1", at)
		require.NoError(t, err)
		assert.Equal(t, contracts.AppStatusRevoked, app.Status)

		keys, err := s.ListKeys(ctx, "app_1")
		require.NoError(t, err)
		require.Len(t, keys, 2)
		for _, k := range keys {
			require.NotNil(t, k.RevokedAt)
			assert.Equal(t, at, *k.RevokedAt)
		}
		other, err := s.GetKey(ctx, "key_3")
		require.NoError(t, err)
		assert.Nil(t, other.RevokedAt)

		_, err = s.RevokeApp(ctx, "app_missing", at)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateAppSettingsWritesOnlySettings(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateApp(ctx, sampleApp("app_1", t0)))

		later := t0.Add(time.Hour)
		got, err := s.UpdateAppSettings(ctx, "app_1", func(app *contracts.App) error {
			app.AutoExecute.Writes.Enabled = true
			app.Policy.Network = nil
			app.Name = "renamed"
			app.Status = contracts.AppStatusRevoked
			app.UpdatedAt = later
			return nil
		})
		require.NoError(t, err)
		assert.True(t, got.AutoExecute.Writes.Enabled)
		assert.Equal(t, contracts.AppStatusActive, got.Status)
		assert.Equal(t, "Demo Integration", got.Name)

		stored, err := s.GetApp(ctx, "app_1")
		require.NoError(t, err)
		assert.True(t, stored.AutoExecute.Writes.Enabled)
		assert.Nil(t, stored.Policy.Network)
		assert.Equal(t, later, stored.UpdatedAt)
		assert.Equal(t, "Demo Integration", stored.Name)
		assert.Equal(t, contracts.AppStatusActive, stored.Status)

		_, err = s.UpdateAppSettings(ctx, "app_1", func(app *contracts.App) error {
			app.AutoExecute.Writes.Enabled = false
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		stored, err = s.GetApp(ctx, "app_1")
		require.NoError(t, err)
		assert.True(t, stored.AutoExecute.Writes.Enabled)

		_, err = s.UpdateAppSettings(ctx, "app_missing", func(*contracts.App) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateAppSettingsNeverRevivesRevokedApp(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateApp(ctx, sampleApp("app_1", t0)))
		_, err := s.RevokeApp(ctx, "app_1", t0.Add(time.Minute))
		require.NoError(t, err)

		called := false
		_, err = s.UpdateAppSettings(ctx, "app_1", func(app *contracts.App) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.False(t, called)

		stored, err := s.GetApp(ctx, "app_1")
		require.NoError(t, err)
		assert.Equal(t, contracts.AppStatusRevoked, stored.Status)
	})
}

func TestKeyLookupTouchAndRevoke(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateKey(ctx, sampleKey("key_1", "app_1", "digest")))

		k, err := s.FindKeyByHash(ctx, "digest")
		require.NoError(t, err)
		assert.Equal(t, "key_1", k.ID)
		assert.Equal(t, "digest", k.TokenHash)

		require.NoError(t, s.TouchKey(ctx, "key_1", t0.Add(time.Second)))
		k, err = s.GetKey(ctx, "key_1")
		require.NoError(t, err)
		require.NotNil(t, k.LastUsedAt)
		assert.Equal(t, t0.Add(time.Second), *k.LastUsedAt)

		first := t0.Add(time.Minute)
		k, err = s.RevokeKey(ctx, "key_1", first)
		require.NoError(t, err)
		assert.Equal(t, first, *k.RevokedAt)

		k, err = s.RevokeKey(ctx, "key_1", first.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, first, *k.RevokedAt, "revocation time is kept")

		_, err = s.FindKeyByHash(ctx, "other")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDraftTransitionIsConditional(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateDraft(ctx, sampleDraft("drf_1", "app_1", contracts.DraftStatusDraft, t0)))

		at := t0.Add(time.Minute)
		d, err := s.TransitionDraft(ctx, "drf_1", []contracts.DraftStatus{contracts.DraftStatusDraft}, func(d *contracts.Draft) {
			d.Status = contracts.DraftStatusCanceled
			d.CanceledAt = &at
			d.UpdatedAt = at
		})
		require.NoError(t, err)
		assert.Equal(t, contracts.DraftStatusCanceled, d.Status)

		_, err = s.TransitionDraft(ctx, "drf_1", []contracts.DraftStatus{contracts.DraftStatusDraft}, func(d *contracts.Draft) {
			d.Status = contracts.DraftStatusConfirmed
		})
		assert.ErrorIs(t, err, ErrConflict)

		stored, err := s.GetDraft(ctx, "drf_1")
		require.NoError(t, err)
		assert.Equal(t, contracts.DraftStatusCanceled, stored.Status)
		assert.Equal(t, at, *stored.CanceledAt)
		assert.Equal(t, "txn_1", stored.Payload["transactionId"])

		_, err = s.TransitionDraft(ctx, "drf_missing", nil, func(*contracts.Draft) {})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateDraft(ctx, sampleDraft("drf_1", "app_1", contracts.DraftStatusDraft, t0)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionDraft(ctx, "drf_1", []contracts.DraftStatus{contracts.DraftStatusDraft}, func(d *contracts.Draft) {
				d.Status = contracts.DraftStatusConfirmed
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestListDraftsFiltersAndOrders(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateDraft(ctx, sampleDraft("drf_a", "app_1", contracts.DraftStatusDraft, t0)))
		require.NoError(t, s.CreateDraft(ctx, sampleDraft("drf_b", "app_1", contracts.DraftStatusConfirmed, t0.Add(time.Minute))))
		require.NoError(t, s.CreateDraft(ctx, sampleDraft("drf_c", "app_2", contracts.DraftStatusDraft, t0.Add(2*time.Minute))))

		all, err := s.ListDrafts(ctx, DraftFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"drf_c", "drf_b", "drf_a"}, []string{all[0].ID, all[1].ID, all[2].ID})

		byApp, err := s.ListDrafts(ctx, DraftFilter{AppID: "app_1"})
		require.NoError(t, err)
		assert.Len(t, byApp, 2)

		pending, err := s.ListDrafts(ctx, DraftFilter{AppID: "app_1", Status: contracts.DraftStatusDraft})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "drf_a", pending[0].ID)
	})
}

func TestExecutionsIdempotencyIsScopedToApp(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := &contracts.Execution{
			ID: "exe_1", DraftID: "drf_1", AppID: "app_1", IdempotencyKey: "idem-1",
			Status: contracts.ExecutionSuccess, Result: map[string]any{"id": "txn_1"}, CreatedAt: t0,
		}
		require.NoError(t, s.CreateExecution(ctx, first))

		dup := *first
		dup.ID = "exe_2"
		assert.ErrorIs(t, s.CreateExecution(ctx, &dup), ErrConflict)

		otherApp := *first
		otherApp.ID = "exe_3"
		otherApp.AppID = "app_2"
		require.NoError(t, s.CreateExecution(ctx, &otherApp))

		got, err := s.FindExecutionByIdempotencyKey(ctx, "app_1", "idem-1")
		require.NoError(t, err)
		assert.Equal(t, "exe_1", got.ID)
		assert.Equal(t, "txn_1", got.Result["id"])

		_, err = s.FindExecutionByIdempotencyKey(ctx, "app_1", "idem-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLatestExecutionPerDraft(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateExecution(ctx, &contracts.Execution{
			ID: "exe_1", DraftID: "drf_1", AppID: "app_1", Status: contracts.ExecutionFailed, Error: "boom", CreatedAt: t0,
		}))
		require.NoError(t, s.CreateExecution(ctx, &contracts.Execution{
			ID: "exe_2", DraftID: "drf_1", AppID: "app_1", Status: contracts.ExecutionSuccess, CreatedAt: t0,
		}))

		latest, err := s.LatestExecution(ctx, "drf_1")
		require.NoError(t, err)
		assert.Equal(t, "exe_2", latest.ID)

		_, err = s.LatestExecution(ctx, "drf_2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFinishExecutionSettlesPendingOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := &contracts.Execution{
			ID: "exe_1", DraftID: "drf_1", AppID: "app_1", IdempotencyKey: "idem-1",
			Status: contracts.ExecutionPending, CreatedAt: t0,
		}
		require.NoError(t, s.CreateExecution(ctx, exec))

		pending, err := s.FindExecutionByIdempotencyKey(ctx, "app_1", "idem-1")
		require.NoError(t, err)
		assert.Equal(t, contracts.ExecutionPending, pending.Status)

		exec.Status = contracts.ExecutionSuccess
		exec.Result = map[string]any{"id": "txn_9"}
		require.NoError(t, s.FinishExecution(ctx, exec))

		done, err := s.FindExecutionByIdempotencyKey(ctx, "app_1", "idem-1")
		require.NoError(t, err)
		assert.Equal(t, contracts.ExecutionSuccess, done.Status)
		assert.Equal(t, "txn_9", done.Result["id"])

		exec.Status = contracts.ExecutionFailed
		exec.Error = "late"
		assert.ErrorIs(t, s.FinishExecution(ctx, exec), ErrConflict)

		latest, err := s.LatestExecution(ctx, "drf_1")
		require.NoError(t, err)
		assert.Equal(t, contracts.ExecutionSuccess, latest.Status)
		assert.Empty(t, latest.Error)
	})
}

func TestPreflightExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := &contracts.PreflightRecord{
			ID: "pfl_1", AppID: "app_1", KeyID: "key_1", ActorUserID: "svc_org_demo",
			ActionType: "transaction.delete", Payload: map[string]any{"id": "txn_1"},
			Impact: map[string]any{"summary": "Delete 1 transaction"}, ImpactHash: "abc",
			StateWitnessHash: "w1", CreatedAt: t0, ExpiresAt: t0.Add(10 * time.Minute),
		}
		require.NoError(t, s.SavePreflight(ctx, rec))

		got, err := s.GetPreflight(ctx, "pfl_1", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "abc", got.ImpactHash)
		assert.Equal(t, "w1", got.StateWitnessHash)
		assert.Equal(t, "txn_1", got.Payload["id"])

		_, err = s.GetPreflight(ctx, "pfl_1", t0.Add(10*time.Minute))
		assert.ErrorIs(t, err, ErrNotFound)

		// Purged: even an earlier clock cannot see it again.
		_, err = s.GetPreflight(ctx, "pfl_1", t0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
