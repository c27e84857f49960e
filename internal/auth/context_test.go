// ABOUTME: Tests for the authentication context helpers
// ABOUTME: Covers round trips through context and identity predicates

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}

func TestWithAuth_RoundTrip(t *testing.T) {
	want := &AuthContext{Subject: "a1", Kind: KindAgent}
	got := FromContext(WithAuth(context.Background(), want))
	assert.Same(t, want, got)
}

func TestAuthContext_Predicates(t *testing.T) {
	tests := []struct {
		name     string
		ctx      AuthContext
		operator bool
		agentA1  bool
	}{
		{name: "operator", ctx: AuthContext{Subject: "alice", Kind: KindOperator}, operator: true},
		{name: "anonymous", ctx: AuthContext{Kind: KindAnonymous}, operator: true},
		{name: "matching agent", ctx: AuthContext{Subject: "a1", Kind: KindAgent}, agentA1: true},
		{name: "other agent", ctx: AuthContext{Subject: "a2", Kind: KindAgent}},
		{name: "operator named like agent", ctx: AuthContext{Subject: "a1", Kind: KindOperator}, operator: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.operator, tt.ctx.IsOperator())
			assert.Equal(t, tt.agentA1, tt.ctx.IsAgent("a1"))
		})
	}
}
