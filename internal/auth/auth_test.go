package auth

import (
	"context"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

func TestJWTVerifier(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	t.Run("round trip", func(t *testing.T) {
		token, err := IssueToken("user-1", testSecret, time.Hour)
		require.NoError(t, err)

		sub, err := verifier.Verify(token)
		assert.NoError(t, err)
		assert.Equal(t, "user-1", sub)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := IssueToken("user-1", testSecret, -time.Minute)
		require.NoError(t, err)

		_, err = verifier.Verify(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := IssueToken("user-1", "some-other-secret-32-chars-long!!!!", time.Hour)
		require.NoError(t, err)

		_, err = verifier.Verify(token)
		assert.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := verifier.Verify("not.a.jwt")
		assert.Error(t, err)
	})
}

func TestAuthenticator(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	users := repository.NewUserRepository(db)
	user := &models.User{Name: "Alice", Email: "alice@example.com", PasswordHash: "x"}
	require.NoError(t, users.Create(context.Background(), user))

	authn := NewAuthenticator(NewJWTVerifier(testSecret), users)
	ctx := context.Background()

	t.Run("valid token resolves user", func(t *testing.T) {
		token, err := IssueToken(user.ID, testSecret, time.Hour)
		require.NoError(t, err)

		resolved, err := authn.Authenticate(ctx, token)
		assert.NoError(t, err)
		assert.Equal(t, user.ID, resolved.ID)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := authn.Authenticate(ctx, "")
		assert.True(t, models.IsCode(err, models.CodeUnauthorized))
	})

	t.Run("token for deleted user", func(t *testing.T) {
		token, err := IssueToken("no-such-user", testSecret, time.Hour)
		require.NoError(t, err)

		_, err = authn.Authenticate(ctx, token)
		assert.True(t, models.IsCode(err, models.CodeUnauthorized))
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := authn.Authenticate(ctx, "garbage")
		assert.True(t, models.IsCode(err, models.CodeUnauthorized))
	})
}
