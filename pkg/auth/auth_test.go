package auth

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/ratelimit"
	"github.com/VancouverCanada/openport/pkg/store"
)

var now = time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.MemoryStore
	auth  *Authenticator
	token string
	key   *contracts.Key
	app   *contracts.App
}

func newFixture(t *testing.T, mutate func(app *contracts.App, key *contracts.Key)) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	hasher, err := NewTokenHasher("")
	require.NoError(t, err)

	token, prefix, err := GenerateToken()
	require.NoError(t, err)

	app := &contracts.App{
		ID: "app_1", Scope: contracts.AppScopeWorkspace, Status: contracts.AppStatusActive,
		Name: "Demo", OrgID: "org_demo", ServiceUserID: "svc_org_demo",
		Scopes: []string{"ledger.read"}, CreatedBy: "admin_demo", CreatedAt: now, UpdatedAt: now,
	}
	key := &contracts.Key{
		ID: "key_1", AppID: "app_1", Name: "Default key", TokenPrefix: prefix,
		TokenHash: hasher.Hash(token), CreatedAt: now,
	}
	if mutate != nil {
		mutate(app, key)
	}
	require.NoError(t, s.CreateApp(context.Background(), app))
	require.NoError(t, s.CreateKey(context.Background(), key))

	a := NewAuthenticator(s, ratelimit.NewMemoryLimiter().WithClock(func() time.Time { return now }), hasher).
		WithClock(func() time.Time { return now })
	return &fixture{store: s, auth: a, token: token, key: key, app: app}
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func requireCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	coded, ok := apierror.From(err)
	require.True(t, ok, "expected coded error, got %v", err)
	assert.Equal(t, status, coded.Status)
	assert.Equal(t, code, coded.Code)
}

func TestGenerateToken(t *testing.T) {
	token, prefix, err := GenerateToken()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "op_"))
	assert.Len(t, token, 3+43)
	assert.Equal(t, token[:12], prefix)
	assert.NotContains(t, token, "=")
}

func TestTokenHasher(t *testing.T) {
	plain, err := NewTokenHasher("")
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", plain.Hash(""))

	peppered, err := NewTokenHasher("server-secret")
	require.NoError(t, err)
	other, err := NewTokenHasher("other-secret")
	require.NoError(t, err)
	assert.NotEqual(t, plain.Hash("op_x"), peppered.Hash("op_x"))
	assert.NotEqual(t, peppered.Hash("op_x"), other.Hash("op_x"))
	assert.Equal(t, peppered.Hash("op_x"), peppered.Hash("op_x"))
	assert.Len(t, peppered.Hash("op_x"), 64)
}

func TestReadBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer op_abc":     "op_abc",
		"bearer op_abc":     "op_abc",
		"  BEARER op_abc  ": "op_abc",
		"Bearer":            "",
		"Basic op_abc":      "",
		"Bearer  op_abc":    "",
		"Bearer op_a op_b":  "",
		"":                  "",
	}
	for header, want := range cases {
		assert.Equal(t, want, ReadBearerToken(header), "header %q", header)
	}
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "203.0.113.7", ClientIP("203.0.113.7, 10.0.0.1", "127.0.0.1:5000"))
	assert.Equal(t, "127.0.0.1", ClientIP("", "127.0.0.1:5000"))
	assert.Equal(t, "::1", ClientIP("", "[::1]:5000"))
	assert.Equal(t, "10.1.1.1", ClientIP(" , ", "10.1.1.1"))
}

func TestIPAllowed(t *testing.T) {
	allow := []string{"10.0.0.0/8", "192.168.1.10", "2001:db8::/32", "not-an-ip", "300.1.1.1/8"}
	assert.True(t, IPAllowed("10.20.30.40", allow))
	assert.True(t, IPAllowed("::ffff:10.20.30.40", allow), "mapped addresses compare as IPv4")
	assert.True(t, IPAllowed("192.168.1.10", allow))
	assert.True(t, IPAllowed("2001:db8::1", allow))
	assert.False(t, IPAllowed("192.168.1.11", allow))
	assert.False(t, IPAllowed("11.0.0.1", allow))
	assert.False(t, IPAllowed("", allow))
	assert.True(t, IPAllowed("10.0.0.1", []string{"::ffff:10.0.0.1"}))
	assert.True(t, IPAllowed("10.0.0.1", []string{"::ffff:10.0.0.0/104"}))
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t, nil)
	h := bearer(f.token)
	h.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	h.Set("User-Agent", "agent/1.0")

	rc, err := f.auth.Authenticate(context.Background(), h, "127.0.0.1:5000")
	require.NoError(t, err)
	assert.Equal(t, "app_1", rc.App.ID)
	assert.Equal(t, "key_1", rc.Key.ID)
	assert.Equal(t, "svc_org_demo", rc.ActorUserID)
	assert.Equal(t, "203.0.113.7", rc.IP)
	assert.Equal(t, "agent/1.0", rc.UserAgent)

	stored, err := f.store.GetKey(context.Background(), "key_1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	assert.Equal(t, now, *stored.LastUsedAt)
}

func TestAuthenticateRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.auth.Authenticate(ctx, http.Header{}, "127.0.0.1:1")
		requireCode(t, err, 401, apierror.CodeTokenInvalid)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.auth.Authenticate(ctx, bearer("op_unknown"), "127.0.0.1:1")
		requireCode(t, err, 401, apierror.CodeTokenInvalid)
	})

	t.Run("revoked key fails on the next request", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.auth.Authenticate(ctx, bearer(f.token), "127.0.0.1:1")
		require.NoError(t, err)
		_, err = f.store.RevokeKey(ctx, "key_1", now)
		require.NoError(t, err)
		_, err = f.auth.Authenticate(ctx, bearer(f.token), "127.0.0.1:1")
		requireCode(t, err, 401, apierror.CodeTokenInvalid)
	})

	t.Run("expired key", func(t *testing.T) {
		f := newFixture(t, func(_ *contracts.App, key *contracts.Key) {
			exp := now
			key.ExpiresAt = &exp
		})
		_, err := f.auth.Authenticate(ctx, bearer(f.token), "127.0.0.1:1")
		requireCode(t, err, 401, apierror.CodeTokenExpired)
	})

	t.Run("revoked app", func(t *testing.T) {
		f := newFixture(t, func(app *contracts.App, _ *contracts.Key) {
			app.Status = contracts.AppStatusRevoked
		})
		_, err := f.auth.Authenticate(ctx, bearer(f.token), "127.0.0.1:1")
		requireCode(t, err, 401, apierror.CodeTokenInvalid)
	})

	t.Run("workspace app without service user", func(t *testing.T) {
		f := newFixture(t, func(app *contracts.App, _ *contracts.Key) {
			app.ServiceUserID = ""
		})
		_, err := f.auth.Authenticate(ctx, bearer(f.token), "127.0.0.1:1")
		requireCode(t, err, 403, apierror.CodeForbidden)
	})

	t.Run("personal app without owner", func(t *testing.T) {
		f := newFixture(t, func(app *contracts.App, _ *contracts.Key) {
			app.Scope = contracts.AppScopePersonal
			app.CreatedBy = ""
		})
		_, err := f.auth.Authenticate(ctx, bearer(f.token), "127.0.0.1:1")
		requireCode(t, err, 403, apierror.CodeForbidden)
	})

	t.Run("ip not allowed", func(t *testing.T) {
		f := newFixture(t, func(app *contracts.App, _ *contracts.Key) {
			app.Policy.Network = &contracts.NetworkPolicy{AllowedIPs: []string{"10.0.0.0/8"}}
		})
		_, err := f.auth.Authenticate(ctx, bearer(f.token), "192.168.0.1:1")
		requireCode(t, err, 403, apierror.CodePolicyDenied)

		_, err = f.auth.Authenticate(ctx, bearer(f.token), "10.1.2.3:1")
		require.NoError(t, err)
	})
}

func TestAuthenticatePersonalActorFallsBackToCreator(t *testing.T) {
	f := newFixture(t, func(app *contracts.App, _ *contracts.Key) {
		app.Scope = contracts.AppScopePersonal
		app.ServiceUserID = ""
	})
	rc, err := f.auth.Authenticate(context.Background(), bearer(f.token), "127.0.0.1:1")
	require.NoError(t, err)
	assert.Equal(t, "admin_demo", rc.ActorUserID)
}

func TestAuthenticateRateLimitIsPerKeyAndIP(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.WithRateLimit(ratelimit.Policy{Limit: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.auth.Authenticate(ctx, bearer(f.token), "10.0.0.1:1")
		require.NoError(t, err)
	}
	_, err := f.auth.Authenticate(ctx, bearer(f.token), "10.0.0.1:1")
	requireCode(t, err, 429, apierror.CodeRateLimited)

	_, err = f.auth.Authenticate(ctx, bearer(f.token), "10.0.0.2:1")
	require.NoError(t, err)
}

func TestOperatorAuthenticatorHeader(t *testing.T) {
	o := NewOperatorAuthenticator("")
	h := http.Header{}
	_, err := o.Authenticate(h)
	requireCode(t, err, 401, apierror.CodeTokenInvalid)

	h.Set(OperatorHeader, "  admin_demo ")
	id, err := o.Authenticate(h)
	require.NoError(t, err)
	assert.Equal(t, "admin_demo", id)
}

func TestOperatorAuthenticatorJWT(t *testing.T) {
	o := NewOperatorAuthenticator("s3cret")

	signed, err := IssueOperatorToken("s3cret", "ops_alice", time.Hour)
	require.NoError(t, err)
	id, err := o.Authenticate(bearer(signed))
	require.NoError(t, err)
	assert.Equal(t, "ops_alice", id)

	forged, err := IssueOperatorToken("wrong", "ops_mallory", time.Hour)
	require.NoError(t, err)
	_, err = o.Authenticate(bearer(forged))
	requireCode(t, err, 401, apierror.CodeTokenInvalid)

	expired, err := IssueOperatorToken("s3cret", "ops_alice", -time.Minute)
	require.NoError(t, err)
	_, err = o.Authenticate(bearer(expired))
	requireCode(t, err, 401, apierror.CodeTokenExpired)

	h := http.Header{}
	h.Set(OperatorHeader, "admin_demo")
	_, err = o.Authenticate(h)
	requireCode(t, err, 401, apierror.CodeTokenInvalid)
}
