package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "test-secret-key-for-testing-purposes"
	testAudience = "corpmsg-api"
)

func TestNewJWTManager(t *testing.T) {
	manager := NewJWTManager(testSecret, testAudience, 15*time.Minute)

	assert.NotNil(t, manager)
	assert.Equal(t, testSecret, manager.secretKey)
	assert.Equal(t, testAudience, manager.audience)
	assert.Equal(t, 15*time.Minute, manager.accessTokenDuration)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager(testSecret, testAudience, 15*time.Minute)
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "testuser", "manager")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)

	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "testuser", claims.Username)
	assert.Equal(t, "manager", claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{testAudience}, claims.Audience)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager(testSecret, testAudience, -time.Minute)

	token, err := manager.GenerateAccessToken(uuid.New(), "testuser", "user")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Nil(t, claims)
}

func TestValidateToken_InvalidToken(t *testing.T) {
	manager := NewJWTManager(testSecret, testAudience, 15*time.Minute)

	claims, err := manager.ValidateToken("invalid.token.here")

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-1", testAudience, 15*time.Minute).
		GenerateAccessToken(uuid.New(), "testuser", "user")
	require.NoError(t, err)

	claims, err := NewJWTManager("secret-2", testAudience, 15*time.Minute).ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	token, err := NewJWTManager(testSecret, "another-api", 15*time.Minute).
		GenerateAccessToken(uuid.New(), "testuser", "user")
	require.NoError(t, err)

	claims, err := NewJWTManager(testSecret, testAudience, 15*time.Minute).ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_RejectsOtherSigningMethods(t *testing.T) {
	claims := &Claims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	got, err := NewJWTManager(testSecret, testAudience, time.Minute).ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestValidateToken_RequiresUserID(t *testing.T) {
	manager := NewJWTManager(testSecret, testAudience, 15*time.Minute)

	token, err := manager.GenerateAccessToken(uuid.Nil, "testuser", "user")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}
