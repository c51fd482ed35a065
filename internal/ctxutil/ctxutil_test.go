package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ops/nucleus/internal/model"
)

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, PrincipalFromContext(ctx))

	ctx = WithPrincipal(ctx, model.Principal{Subject: "u1", TenantID: "acme", Method: model.AuthMethodSession})
	p := PrincipalFromContext(ctx)
	require.NotNil(t, p)
	assert.Equal(t, "acme", p.TenantID)
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Equal(t, "r-1", RequestIDFromContext(WithRequestID(context.Background(), "r-1")))
}

func TestTenantVisible(t *testing.T) {
	assert.False(t, TenantVisible(nil, "acme"))
	assert.True(t, TenantVisible(&model.Principal{}, "acme"))
	assert.True(t, TenantVisible(&model.Principal{TenantID: "acme"}, "acme"))
	assert.False(t, TenantVisible(&model.Principal{TenantID: "other"}, "acme"))
}
