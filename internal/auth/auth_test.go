package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/storage"
)

func newService() *Service {
	s := NewService(storage.NewMemoryStore(), NewJWTManager("test-secret", time.Hour))
	s.cost = bcrypt.MinCost
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewJWTManager("k", time.Hour)
	tok, err := m.GenerateToken(models.Principal{UserID: "u1", Role: models.RoleDriver})
	require.NoError(t, err)

	p, err := m.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, models.Principal{UserID: "u1", Role: models.RoleDriver}, p)
}

func TestTokenRejections(t *testing.T) {
	m := NewJWTManager("k", time.Hour)
	tok, err := m.GenerateToken(models.Principal{UserID: "u1", Role: models.RolePassenger})
	require.NoError(t, err)

	_, err = NewJWTManager("other", time.Hour).Authenticate(tok)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	expired := NewJWTManager("k", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.GenerateToken(models.Principal{UserID: "u1", Role: models.RolePassenger})
	require.NoError(t, err)
	_, err = m.Authenticate(old)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, AppClaims{UserID: "u1", Role: models.RoleDriver})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Authenticate(unsigned)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	_, err = m.Authenticate("garbage")
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("")
	assert.False(t, ok)
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	s := newService()

	reg, err := s.Register(ctx, RegisterInput{
		FullName: "Ahmed Khan", Email: "Ahmed@Example.com", Password: "secret1",
		Role: models.RoleDriver, Vehicle: &VehicleInput{Make: "Honda", LicensePlate: "LEA-1234"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "ahmed@example.com", reg.User.Email)
	require.NotNil(t, reg.User.Vehicle)
	assert.Equal(t, "LEA-1234", reg.User.Vehicle.LicensePlate)

	login, err := s.Login(ctx, LoginInput{Email: "ahmed@example.com", Password: "secret1"})
	require.NoError(t, err)
	p, err := s.Authenticate(login.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, p.UserID)
	assert.Equal(t, models.RoleDriver, p.Role)

	_, err = s.Login(ctx, LoginInput{Email: "ahmed@example.com", Password: "wrong"})
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
	_, err = s.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "x"})
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	s := newService()

	_, err := s.Register(ctx, RegisterInput{FullName: "X", Email: "not-an-email", Password: "secret1", Role: models.RolePassenger})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = s.Register(ctx, RegisterInput{FullName: "X", Email: "x@example.com", Password: "secret1", Role: "admin"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = s.Register(ctx, RegisterInput{FullName: "X", Email: "x@example.com", Password: "secret1", Role: models.RoleDriver})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Contains(t, err.Error(), "vehicle")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := newService()
	in := RegisterInput{FullName: "Sara", Email: "sara@example.com", Password: "secret1", Role: models.RolePassenger}
	_, err := s.Register(ctx, in)
	require.NoError(t, err)

	_, err = s.Register(ctx, in)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}
