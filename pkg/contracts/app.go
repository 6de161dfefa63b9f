package contracts

import "time"

// AppScope decides how the acting user of an app is resolved.
type AppScope string

const (
	AppScopePersonal  AppScope = "personal"
	AppScopeWorkspace AppScope = "workspace"
)

// AppStatus is the lifecycle state of an app.
type AppStatus string

const (
	AppStatusActive  AppStatus = "active"
	AppStatusRevoked AppStatus = "revoked"
)

// App is an agent integration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type App struct {
	ID            string      `json:"id"`
	Scope         AppScope    `json:"scope"`
	Status        AppStatus   `json:"status"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	UserID        string      `json:"user_id,omitempty"`         // personal owner
	OrgID         string      `json:"org_id,omitempty"`          // workspace org
	ServiceUserID string      `json:"service_user_id,omitempty"` // workspace actor
	Scopes        []string    `json:"scopes"`
	Policy        Policy      `json:"policy"`
	AutoExecute   AutoExecute `json:"auto_execute"`
	CreatedBy     string      `json:"created_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HasScope reports whether the app holds scope.
func (a *App) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Key is a bearer credential owned by an App. Only the digest of the
// secret token is kept.
type Key struct {
	ID          string     `json:"id"`
	AppID       string     `json:"app_id"`
	Name        string     `json:"name"`
	TokenPrefix string     `json:"token_prefix"`
	TokenHash   string     `json:"-"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PublicKey is the view of a Key that is safe to return to operators.
type PublicKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	TokenPrefix string     `json:"token_prefix"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Public strips the token digest.
func (k *Key) Public() PublicKey {
	return PublicKey{
		ID:          k.ID,
		Name:        k.Name,
		TokenPrefix: k.TokenPrefix,
		LastUsedAt:  k.LastUsedAt,
		ExpiresAt:   k.ExpiresAt,
		RevokedAt:   k.RevokedAt,
		CreatedAt:   k.CreatedAt,
	}
}

// RequestContext is the authenticated principal of an agent request.
type RequestContext struct {
	App         *App
	Key         *Key
	ActorUserID string
	IP          string
	UserAgent   string
	RequestID   string
}
