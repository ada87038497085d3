package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdiff/agentdiff/internal/models"
)

func testEnv(expiresIn time.Duration) *models.Environment {
	return &models.Environment{
		ID:                "envabc123",
		Owner:             "key-1",
		ImpersonateUserID: "U1",
		ExpiresAt:         time.Now().Add(expiresIn),
	}
}

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer("secret", "agentdiff")

	signed, err := issuer.Issue(testEnv(time.Hour), time.Now())
	require.NoError(t, err)

	claims, err := issuer.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "envabc123", claims.EnvironmentID)
	assert.Equal(t, "U1", claims.ImpersonateUserID)
	assert.Equal(t, "key-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyRejections(t *testing.T) {
	issuer := NewIssuer("secret", "agentdiff")

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		signed, err := NewIssuer("other-secret", "agentdiff").Issue(testEnv(time.Hour), time.Now())
		require.NoError(t, err)
		_, err = issuer.Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		signed, err := NewIssuer("secret", "other-service").Issue(testEnv(time.Hour), time.Now())
		require.NoError(t, err)
		_, err = issuer.Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired with environment", func(t *testing.T) {
		signed, err := issuer.Issue(testEnv(-time.Minute), time.Now().Add(-time.Hour))
		require.NoError(t, err)
		_, err = issuer.Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unsigned algorithm", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			EnvironmentID: "envabc123",
			RegisteredClaims: jwt.RegisteredClaims{
				Audience:  jwt.ClaimStrings{"agentdiff"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = issuer.Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing environment claim", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"agentdiff"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := tok.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = issuer.Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
