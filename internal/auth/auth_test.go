package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/checkout/internal/orders"
)

func TestVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	v, err := NewVerifier("s3cret", clock)
	require.NoError(t, err)

	valid, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	other, err := NewVerifier("other", clock)
	require.NoError(t, err)
	foreign, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)

	expired, err := v.Issue("alice", -time.Minute)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "alice"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{name: "valid", token: valid, want: "alice"},
		{name: "wrong secret", token: foreign, wantErr: true},
		{name: "expired", token: expired, wantErr: true},
		{name: "alg none", token: none, wantErr: true},
		{name: "no expiry", token: noExp, wantErr: true},
		{name: "garbage", token: "not-a-token", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.token)
			if tt.wantErr {
				require.ErrorIs(t, err, orders.ErrUnauthenticated)
				assert.Equal(t, orders.KindUnauthenticated, orders.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("", nil)
	require.ErrorIs(t, err, orders.ErrConfig)
}

func TestUserContext(t *testing.T) {
	assert.Empty(t, UserID(context.Background()))
	assert.Equal(t, "bob", UserID(WithUser(context.Background(), "bob")))
}
