package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

func newAuthServiceForTest() *AuthService {
	return NewAuthService(zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, Issuer: "sims"})
}

func TestValidateTokenRoundTrip(t *testing.T) {
	svc := newAuthServiceForTest()
	token, expiresAt, err := svc.IssueAccessToken(&models.Staff{ID: "nurse-1", FullName: "Sari Dewi", Role: models.RoleNurse})
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "nurse-1", claims.UserID)
	assert.Equal(t, models.RoleNurse, claims.Role)
	assert.Equal(t, "Sari Dewi", claims.FullName)
}

func TestValidateTokenRejections(t *testing.T) {
	svc := newAuthServiceForTest()

	sign := func(secret string, method jwt.SigningMethod, claims *models.JWTClaims) string {
		t.Helper()
		signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}
	valid := func(role models.UserRole, issuer string) *models.JWTClaims {
		return &models.JWTClaims{
			UserID: "staff-1",
			Role:   role,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}
	expired := valid(models.RoleNurse, "sims")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	cases := map[string]string{
		"wrong secret": sign("other", jwt.SigningMethodHS256, valid(models.RoleNurse, "sims")),
		"wrong method": sign("secret", jwt.SigningMethodHS512, valid(models.RoleNurse, "sims")),
		"wrong issuer": sign("secret", jwt.SigningMethodHS256, valid(models.RoleNurse, "elsewhere")),
		"unknown role": sign("secret", jwt.SigningMethodHS256, valid(models.UserRole("JANITOR"), "sims")),
		"expired":      sign("secret", jwt.SigningMethodHS256, expired),
		"missing user": sign("secret", jwt.SigningMethodHS256, &models.JWTClaims{Role: models.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Issuer: "sims"}}),
		"not a token":  "abc.def",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			require.Error(t, err)
			assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
		})
	}
}
