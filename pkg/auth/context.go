package auth

import (
	"context"
	"errors"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

type contextKey string

const (
	agentKey    contextKey = "agent"
	operatorKey contextKey = "operator"
)

// WithAgent attaches an authenticated agent principal to ctx.
func WithAgent(ctx context.Context, rc *contracts.RequestContext) context.Context {
	return context.WithValue(ctx, agentKey, rc)
}

// GetAgent retrieves the agent principal from ctx.
func GetAgent(ctx context.Context) (*contracts.RequestContext, error) {
	rc, ok := ctx.Value(agentKey).(*contracts.RequestContext)
	if !ok || rc == nil {
		return nil, errors.New("no agent in context")
	}
	return rc, nil
}

// WithOperator attaches the operator identity to ctx.
func WithOperator(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorKey, operatorID)
}

// GetOperator retrieves the operator identity from ctx.
func GetOperator(ctx context.Context) (string, error) {
	id, ok := ctx.Value(operatorKey).(string)
	if !ok || id == "" {
		return "", errors.New("no operator in context")
	}
	return id, nil
}
