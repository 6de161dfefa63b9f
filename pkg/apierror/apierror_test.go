package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromKeepsCodedErrorsThroughWrapping(t *testing.T) {
	base := PolicyDenied("IP not allowed for this integration")
	wrapped := fmt.Errorf("authenticate: %w", base)

	got, ok := From(wrapped)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, got.Status)
	assert.Equal(t, CodePolicyDenied, got.Code)
	assert.True(t, Is(wrapped, CodePolicyDenied))
}

func TestFromHidesUnknownErrors(t *testing.T) {
	got, ok := From(errors.New("pq: connection refused"))
	assert.False(t, ok)
	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, "Internal server error", got.Message)
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	base := ActionInvalid("Invalid payload")
	withDetails := base.WithDetails(map[string]any{"field": "ledgerId"})

	assert.Nil(t, base.Details)
	assert.Equal(t, "ledgerId", withDetails.Details["field"])
	assert.Equal(t, "agent.action_invalid: Invalid payload", withDetails.Error())
}
