// Package session persists the verified identity and chosen role of the
// consumer session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"localbuzz/internal/kv"
	"localbuzz/internal/model"
)

// Session errors.
var (
	ErrInvalidPhone = errors.New("invalid phone number")
	ErrNotVerified  = errors.New("session not verified")
)

const keyPrefix = kv.Namespace + "session."

const (
	keyVerified = keyPrefix + "otp_verified"
	keyPhone    = keyPrefix + "phone_number"
	keyRole     = keyPrefix + "role"
)

// Store reads and writes session facts in a kv.Store.
type Store struct {
	kv  kv.Store
	log *slog.Logger
}

// Session is a snapshot of the persisted session.
type Session struct {
	Verified bool       `json:"verified"`
	Phone    string     `json:"phone,omitempty"`
	Role     model.Role `json:"role,omitempty"`
}

// New creates a Store on top of store.
func New(store kv.Store, log *slog.Logger) *Store {
	return &Store{kv: store, log: log}
}

// MarkVerified records a verified phone number and returns its normalized form.
func (s *Store) MarkVerified(ctx context.Context, phone string) (string, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, keyPhone, normalized); err != nil {
		return "", fmt.Errorf("save phone: %w", err)
	}
	if err := s.kv.Set(ctx, keyVerified, "true"); err != nil {
		return "", fmt.Errorf("save verified flag: %w", err)
	}
	return normalized, nil
}

// SetRole stores the chosen role. The session must be verified first.
func (s *Store) SetRole(ctx context.Context, role model.Role) error {
	if _, err := model.ParseRole(string(role)); err != nil {
		return err
	}
	cur, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if !cur.Verified {
		return ErrNotVerified
	}
	if err := s.kv.Set(ctx, keyRole, string(role)); err != nil {
		return fmt.Errorf("save role: %w", err)
	}
	return nil
}

// Load returns the persisted session. Missing values load as their zero
// value. Unreadable values do too, with a warning.
func (s *Store) Load(ctx context.Context) (Session, error) {
	var sess Session

	v, ok, err := s.kv.Get(ctx, keyVerified)
	if err != nil {
		return Session{}, fmt.Errorf("load verified flag: %w", err)
	}
	if ok {
		if sess.Verified, err = strconv.ParseBool(v); err != nil {
			s.log.Warn("corrupt session state, using default", "key", keyVerified, "error", err)
		}
	}
	if !sess.Verified {
		return Session{}, nil
	}

	if sess.Phone, _, err = s.kv.Get(ctx, keyPhone); err != nil {
		return Session{}, fmt.Errorf("load phone: %w", err)
	}

	v, ok, err = s.kv.Get(ctx, keyRole)
	if err != nil {
		return Session{}, fmt.Errorf("load role: %w", err)
	}
	if ok {
		if sess.Role, err = model.ParseRole(v); err != nil {
			s.log.Warn("corrupt session state, using default", "key", keyRole, "error", err)
		}
	}
	return sess, nil
}

// Clear removes every persisted key of the application, including
// notification state. Used on logout.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.DeletePrefix(ctx, kv.Namespace); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
