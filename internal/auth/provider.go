// Package auth authenticates campus accounts and manages bearer sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/shuttle-dispatch/internal/audit"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
)

// Principal is the caller resolved from a session token.
type Principal struct {
	UserID int64       `json:"user_id"`
	Role   models.Role `json:"role"`
}

type StoreProvider struct {
	store         storage.Store
	audit         audit.Sink
	log           *slog.Logger
	studentDomain string
	ttl           time.Duration
	now           func() time.Time
}

func NewStoreProvider(store storage.Store, sink audit.Sink, log *slog.Logger, studentDomain string, ttl time.Duration) *StoreProvider {
	return &StoreProvider{
		store:         store,
		audit:         sink,
		log:           log,
		studentDomain: strings.ToLower(strings.TrimPrefix(studentDomain, "@")),
		ttl:           ttl,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// HashPassword returns the bcrypt hash stored for admin and driver accounts.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Authenticate resolves credentials to a user. Riders sign in with their
// student address alone and are registered on first use; admins and drivers
// must present their password.
func (p *StoreProvider) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", models.ErrValidation)
	}

	var (
		user       *models.User
		registered bool
	)
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		u, err := tx.GetUserByEmail(ctx, email)
		switch {
		case errors.Is(err, models.ErrNotFound):
			if !p.isStudent(email) {
				return fmt.Errorf("%w: unknown account", models.ErrUnauthorized)
			}
			u = &models.User{
				Email:     email,
				Name:      strings.SplitN(email, "@", 2)[0],
				Role:      models.RoleRider,
				Status:    models.AccountActive,
				CreatedAt: p.now(),
			}
			if err := tx.InsertUser(ctx, u); err != nil {
				return err
			}
			registered = true
		case err != nil:
			return err
		}

		if u.Role == models.RoleAdmin || u.Role == models.RoleDriver {
			if password == "" || u.PasswordHash == "" {
				return fmt.Errorf("%w: password required", models.ErrUnauthorized)
			}
			if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
				p.audit.Record(ctx, audit.Entry{ActorID: u.ID, Action: "login_failed", EntityType: "user", EntityID: u.ID})
				return fmt.Errorf("%w: invalid password", models.ErrUnauthorized)
			}
		}
		if u.Status != models.AccountActive {
			return fmt.Errorf("%w: account is %s", models.ErrForbidden, u.Status)
		}
		if err := tx.TouchLastLogin(ctx, u.ID); err != nil {
			return err
		}
		now := p.now()
		u.LastLogin = &now
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	if registered {
		p.log.Info("rider registered", "user_id", user.ID)
		p.audit.Record(ctx, audit.Entry{ActorID: user.ID, Action: "register", EntityType: "user", EntityID: user.ID})
	}
	p.audit.Record(ctx, audit.Entry{ActorID: user.ID, Action: "login", EntityType: "user", EntityID: user.ID})
	return user, nil
}

// IssueSession creates a bearer token for userID valid for the configured TTL.
func (p *StoreProvider) IssueSession(ctx context.Context, userID int64) (*models.Session, error) {
	now := p.now()
	s := &models.Session{Token: uuid.NewString(), UserID: userID, CreatedAt: now, ExpiresAt: now.Add(p.ttl)}
	if err := p.store.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertSession(ctx, s) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate maps a token to its principal. Expired tokens and tokens whose
// account is no longer active are rejected.
func (p *StoreProvider) Validate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", models.ErrUnauthorized)
	}
	var out Principal
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.GetSession(ctx, token)
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: unknown session", models.ErrUnauthorized)
		}
		if err != nil {
			return err
		}
		if !p.now().Before(s.ExpiresAt) {
			return fmt.Errorf("%w: session expired", models.ErrUnauthorized)
		}
		u, err := tx.GetUser(ctx, s.UserID)
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: unknown session", models.ErrUnauthorized)
		}
		if err != nil {
			return err
		}
		if u.Status != models.AccountActive {
			return fmt.Errorf("%w: account is %s", models.ErrUnauthorized, u.Status)
		}
		out = Principal{UserID: u.ID, Role: u.Role}
		return nil
	})
	return out, err
}

// CurrentUser loads the account behind a validated principal.
func (p *StoreProvider) CurrentUser(ctx context.Context, userID int64) (*models.User, error) {
	var u *models.User
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		u, err = tx.GetUser(ctx, userID)
		return err
	})
	return u, err
}

// ListUsers returns accounts newest first, optionally narrowed to one role.
func (p *StoreProvider) ListUsers(ctx context.Context, role models.Role) ([]models.User, error) {
	if role != "" && role != models.RoleRider && role != models.RoleDriver && role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrValidation, role)
	}
	var out []models.User
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListUsers(ctx, role)
		return err
	})
	return out, err
}

func (p *StoreProvider) Revoke(ctx context.Context, token string) error {
	return p.store.WithTx(ctx, func(tx storage.Tx) error { return tx.DeleteSession(ctx, token) })
}

func (p *StoreProvider) isStudent(email string) bool {
	return p.studentDomain != "" && strings.HasSuffix(email, "@"+p.studentDomain)
}
