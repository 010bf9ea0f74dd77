package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTService_GenerateToken(t *testing.T) {
	service := NewJWTService("test-secret-key", 24)

	token, err := service.GenerateToken("streamer-1", RoleStreamer)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestJWTService_ValidateToken(t *testing.T) {
	service := NewJWTService("test-secret-key", 24)

	token, err := service.GenerateToken("viewer-7", RoleViewer)
	require.NoError(t, err)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "viewer-7", claims.Identity)
	require.Equal(t, RoleViewer, claims.Role)
}

func TestJWTService_ValidateToken_Invalid(t *testing.T) {
	service := NewJWTService("test-secret-key", 24)

	_, err := service.ValidateToken("invalid.token.here")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTService("one", 24).GenerateToken("viewer-7", RoleViewer)
	require.NoError(t, err)

	_, err = NewJWTService("two", 24).ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_ValidateToken_Expired(t *testing.T) {
	service := NewJWTService("test-secret-key", -1) // Expired token

	token, err := service.GenerateToken("viewer-7", RoleViewer)
	require.NoError(t, err)

	_, err = service.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsUnsignedToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Identity: "mallory", Role: RoleOperator})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTService("test-secret-key", 24).ValidateToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}
