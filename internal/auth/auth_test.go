package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	identities map[string]*Identity
	err        error
}

func (f *fakeDirectory) Lookup(_ context.Context, userID string) (*Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.identities[userID], nil
}

const secret = "test-secret"

func newVerifier(dir *fakeDirectory) *Verifier {
	return NewVerifier(secret, dir)
}

func TestVerify(t *testing.T) {
	dir := &fakeDirectory{identities: map[string]*Identity{
		"u1": {UserID: "u1", Name: "Ada", TokenVersion: 3},
	}}
	v := newVerifier(dir)
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		tok, err := Sign(secret, "u1", "Ada", 3, time.Minute)
		require.NoError(t, err)
		ident, err := v.Verify(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "u1", ident.UserID)
		assert.Equal(t, "Ada", ident.Name)
	})

	t.Run("missing credential", func(t *testing.T) {
		_, err := v.Verify(ctx, "")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.Verify(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := Sign("other-secret", "u1", "Ada", 3, time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		tok, err := Sign(secret, "u1", "Ada", 3, -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("superseded token version", func(t *testing.T) {
		// a later login bumped the stored version past the token's
		tok, err := Sign(secret, "u1", "Ada", 4, time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		require.ErrorIs(t, err, ErrTokenExpired)
		assert.Equal(t, "Token expired", err.Error())
	})

	t.Run("unknown user", func(t *testing.T) {
		tok, err := Sign(secret, "ghost", "Ghost", 1, time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrUnknownUser)
	})

	t.Run("directory failure propagates", func(t *testing.T) {
		broken := newVerifier(&fakeDirectory{err: errors.New("db down")})
		tok, err := Sign(secret, "u1", "Ada", 3, time.Minute)
		require.NoError(t, err)
		_, err = broken.Verify(ctx, tok)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnknownUser)
	})
}
