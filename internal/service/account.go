package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reliefsync/internal/auth"
	"reliefsync/internal/db"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// TokenIssuer signs access tokens
type TokenIssuer interface {
	Issue(userID, email string, role model.Role) (string, error)
}

// SignUpInput registers a new account and its profile
type SignUpInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"required,max=200"`
	Address  string `json:"address,omitempty" validate:"max=500"`
	Phone    string `json:"phone,omitempty" validate:"max=40"`
}

// AccountService handles registration, sign-in and profiles
type AccountService struct {
	store       Store
	validator   Validator
	bus         EventBus
	tokens      TokenIssuer
	staffEmails map[string]bool
	log         *zap.Logger
}

func NewAccountService(store Store, validator Validator, bus EventBus, tokens TokenIssuer, staffEmails []string, log *zap.Logger) *AccountService {
	staff := make(map[string]bool, len(staffEmails))
	for _, e := range staffEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			staff[e] = true
		}
	}
	return &AccountService{
		store:       store,
		validator:   validator,
		bus:         bus,
		tokens:      tokens,
		staffEmails: staff,
		log:         log,
	}
}

// SignUp creates the account and profile and signs the user in
func (s *AccountService) SignUp(ctx context.Context, in SignUpInput) (model.Identity, model.UserProfile, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return model.Identity{}, model.UserProfile{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	role := model.RoleCitizen
	if s.staffEmails[email] {
		role = model.RoleStaff
	}

	user, err := s.store.CreateUser(ctx, ulid.Make().String(), email, hash, string(role))
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			return model.Identity{}, model.UserProfile{}, ErrConflict
		}
		return model.Identity{}, model.UserProfile{}, fmt.Errorf("failed to create user: %w", err)
	}

	profile := model.UserProfile{
		ID:      user.ID,
		Name:    in.Name,
		Address: in.Address,
		Phone:   in.Phone,
		Email:   user.Email,
		Role:    role,
	}
	data, err := encode(profile)
	if err != nil {
		return model.Identity{}, model.UserProfile{}, err
	}
	if err := validate(ctx, s.validator, model.CollectionProfiles, data); err != nil {
		return model.Identity{}, model.UserProfile{}, err
	}
	d, _, err := s.store.PutDocument(ctx, model.CollectionProfiles, user.ID, user.ID, data)
	if err != nil {
		return model.Identity{}, model.UserProfile{}, fmt.Errorf("failed to create profile: %w", err)
	}
	publish(ctx, s.bus, pubsub.EventDocumentCreated, d)

	identity, err := s.identity(user.ID, user.Email, role)
	if err != nil {
		return model.Identity{}, model.UserProfile{}, err
	}
	profile.CreatedAt = d.CreatedAt

	s.log.Info("User registered", zap.String("user_id", user.ID), zap.String("role", string(role)))
	return identity, profile, nil
}

// SignIn verifies credentials and issues a token
func (s *AccountService) SignIn(ctx context.Context, email, password string) (model.Identity, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, db.ErrNotFound) {
		return model.Identity{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("failed to load user: %w", err)
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		return model.Identity{}, err
	}
	return s.identity(user.ID, user.Email, model.Role(user.Role))
}

func (s *AccountService) identity(userID, email string, role model.Role) (model.Identity, error) {
	token, err := s.tokens.Issue(userID, email, role)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{UserID: userID, Email: email, Role: role, Token: token}, nil
}

// Profile returns the caller's profile
func (s *AccountService) Profile(ctx context.Context, caller model.Identity) (model.UserProfile, error) {
	if caller.UserID == "" {
		return model.UserProfile{}, ErrForbidden
	}
	d, err := s.store.GetDocument(ctx, model.CollectionProfiles, caller.UserID)
	if err != nil {
		return model.UserProfile{}, err
	}
	var p model.UserProfile
	if err := decode(d, &p); err != nil {
		return model.UserProfile{}, err
	}
	p.ID = d.ID
	p.CreatedAt = d.CreatedAt
	return p, nil
}
