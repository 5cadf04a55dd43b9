package auth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
	"github.com/example/ride-presence/internal/storage"
)

type VehicleInput struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	LicensePlate string `json:"licensePlate" validate:"required"`
	Color        string `json:"color"`
}

type RegisterInput struct {
	FullName string        `json:"fullName" validate:"required"`
	Email    string        `json:"email" validate:"required,email"`
	Password string        `json:"password" validate:"required,min=6"`
	Phone    string        `json:"phone"`
	Role     models.Role   `json:"role" validate:"required,oneof=passenger driver"`
	Vehicle  *VehicleInput `json:"vehicle" validate:"required_if=Role driver"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Session is what register and login hand back to clients.
type Session struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

type Service struct {
	users    storage.UserStore
	tokens   *JWTManager
	validate *validator.Validate
	cost     int
	now      func() time.Time
}

func NewService(users storage.UserStore, tokens *JWTManager) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{users: users, tokens: tokens, validate: v, cost: bcrypt.DefaultCost, now: time.Now}
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	if err := s.check(in); err != nil {
		return Session{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	u := models.User{
		ID:           uuid.NewString(),
		FullName:     in.FullName,
		Email:        in.Email,
		Phone:        strings.TrimSpace(in.Phone),
		Role:         in.Role,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if in.Role == models.RoleDriver && in.Vehicle != nil {
		u.Vehicle = &models.Vehicle{Make: in.Vehicle.Make, Model: in.Vehicle.Model, LicensePlate: in.Vehicle.LicensePlate, Color: in.Vehicle.Color}
	}
	if err := s.users.CreateUser(ctx, &u); err != nil {
		return Session{}, err
	}
	return s.session(u)
}

func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if err := s.check(in); err != nil {
		return Session{}, err
	}
	u, err := s.users.GetUserByEmail(ctx, in.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		return Session{}, fmt.Errorf("%w: invalid email or password", apperr.ErrUnauthorized)
	}
	if err != nil {
		return Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		return Session{}, fmt.Errorf("%w: invalid email or password", apperr.ErrUnauthorized)
	}
	return s.session(*u)
}

func (s *Service) Authenticate(token string) (models.Principal, error) {
	return s.tokens.Authenticate(token)
}

func (s *Service) session(u models.User) (Session, error) {
	tok, err := s.tokens.GenerateToken(models.Principal{UserID: u.ID, Role: u.Role})
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{Token: tok, User: u}, nil
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("%w: %s", apperr.ErrValidation, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "invalid email format"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("validation failed for %s", fe.Field())
	}
}
