package pinbox

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/strongroom/device"
	"github.com/jmcleod/strongroom/settings"
)

var (
	// ErrPINNotSet is returned by operations that need a stored PIN.
	ErrPINNotSet = errors.New("PIN not set")
	// ErrPINAlreadySet is returned by Set when a PIN exists; use Change.
	ErrPINAlreadySet = errors.New("PIN already set")
	// ErrPINMismatch is returned when the supplied current PIN is wrong.
	ErrPINMismatch = errors.New("PIN does not match")
)

// State is the PIN lifecycle state.
type State int

const (
	Unset State = iota
	Set
)

func (s State) String() string {
	if s == Set {
		return "set"
	}
	return "unset"
}

// IdentityFunc reads the current device identity.
type IdentityFunc func(ctx context.Context) (device.Identity, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdentity overrides how the device identity is read.
func WithIdentity(fn IdentityFunc) ManagerOption {
	return func(m *Manager) {
		m.identity = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager drives the PIN state machine over a settings store:
// Unset -> Set (Set), Set -> Set (Change), Set -> Unset (Clear).
type Manager struct {
	store    settings.Store
	identity IdentityFunc
	log      *slog.Logger
}

// NewManager returns a Manager over store.
func NewManager(store settings.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		identity: device.Current,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports whether a PIN is stored.
func (m *Manager) State(ctx context.Context) (State, error) {
	s, err := m.store.Load(ctx)
	if err != nil {
		return Unset, err
	}
	if s.PINEnabled {
		return Set, nil
	}
	return Unset, nil
}

// Set stores a new PIN. It fails with ErrPINAlreadySet if one exists.
func (m *Manager) Set(ctx context.Context, uid, pin string) error {
	sealed, err := m.seal(ctx, uid, pin)
	if err != nil {
		return err
	}
	err = m.store.Update(ctx, func(s *settings.Settings) error {
		if s.PINEnabled {
			return ErrPINAlreadySet
		}
		s.PINEnabled = true
		s.EncryptedPIN = sealed
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("PIN set")
	return nil
}

// Change replaces the stored PIN after checking current against it.
func (m *Manager) Change(ctx context.Context, uid, current, next string) error {
	stored, err := m.Recover(ctx, uid)
	if err != nil {
		return err
	}
	current, err = NormalizePIN(current)
	if err != nil || subtle.ConstantTimeCompare([]byte(current), []byte(stored)) != 1 {
		return ErrPINMismatch
	}

	sealed, err := m.seal(ctx, uid, next)
	if err != nil {
		return err
	}
	err = m.store.Update(ctx, func(s *settings.Settings) error {
		if !s.PINEnabled {
			return ErrPINNotSet
		}
		s.EncryptedPIN = sealed
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("PIN changed")
	return nil
}

// Clear removes the stored PIN.
func (m *Manager) Clear(ctx context.Context) error {
	err := m.store.Update(ctx, func(s *settings.Settings) error {
		if !s.PINEnabled {
			return ErrPINNotSet
		}
		s.PINEnabled = false
		s.EncryptedPIN = ""
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("PIN cleared")
	return nil
}

// Recover returns the stored PIN using this device's identity and uid.
func (m *Manager) Recover(ctx context.Context, uid string) (string, error) {
	s, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if !s.PINEnabled {
		return "", ErrPINNotSet
	}
	id, err := m.identity(ctx)
	if err != nil {
		return "", fmt.Errorf("reading device identity: %w", err)
	}
	pin, err := Open(id, uid, s.EncryptedPIN)
	if err != nil {
		m.log.Warn("PIN recovery failed", "error", err)
		return "", err
	}
	return pin, nil
}

func (m *Manager) seal(ctx context.Context, uid, pin string) (string, error) {
	pin, err := NormalizePIN(pin)
	if err != nil {
		return "", err
	}
	id, err := m.identity(ctx)
	if err != nil {
		return "", fmt.Errorf("reading device identity: %w", err)
	}
	return Seal(id, uid, pin)
}
