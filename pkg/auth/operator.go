package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/VancouverCanada/openport/pkg/apierror"
)

// OperatorHeader carries the operator identity when no signing secret is
// configured and an upstream proxy is trusted to authenticate operators.
const OperatorHeader = "X-Admin-User"

// OperatorClaims are the JWT claims of an operator token.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// OperatorAuthenticator resolves the operator behind an admin request.
type OperatorAuthenticator struct {
	secret []byte
}

// NewOperatorAuthenticator returns an authenticator that requires HS256
// bearer tokens signed with secret, or trusts OperatorHeader when secret is
// empty.
func NewOperatorAuthenticator(secret string) *OperatorAuthenticator {
	return &OperatorAuthenticator{secret: []byte(secret)}
}

// Authenticate returns the operator id.
func (o *OperatorAuthenticator) Authenticate(header http.Header) (string, error) {
	if len(o.secret) == 0 {
		operator := strings.TrimSpace(header.Get(OperatorHeader))
		if operator == "" {
			return "", apierror.TokenInvalid("Missing admin user")
		}
		return operator, nil
	}

	tokenStr := ReadBearerToken(header.Get("Authorization"))
	if tokenStr == "" {
		return "", apierror.TokenInvalid("Missing operator token")
	}
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return o.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apierror.TokenExpired("Operator token expired")
		}
		return "", apierror.TokenInvalid("Invalid operator token")
	}
	if !token.Valid || claims.Subject == "" {
		return "", apierror.TokenInvalid("Invalid operator token")
	}
	return claims.Subject, nil
}

// IssueOperatorToken signs an operator token for subject.
func IssueOperatorToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: operator secret is empty")
	}
	now := time.Now()
	claims := OperatorClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign operator token: %w", err)
	}
	return signed, nil
}
