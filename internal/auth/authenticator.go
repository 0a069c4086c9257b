package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/gamedock/gamedock/internal/model"
)

// Domain errors surfaced to the dispatch boundary.
var (
	ErrUserExists     = errors.New("username exists")
	ErrBadCredentials = errors.New("bad credentials")
	ErrDuplicateLogin = errors.New("duplicate login")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingToken   = errors.New("missing token")
	ErrRoleMismatch   = errors.New("role mismatch")
)

type identity struct {
	username string
	role     model.Role
}

// UserRepository is the persistence surface the authenticator needs.
type UserRepository interface {
	GetUser(ctx context.Context, username string, role model.Role) (*model.User, error)
	CreateUser(ctx context.Context, u model.User) error
}

// Authenticator handles registration, login and session validation.
// Sessions live in memory; at most one active session exists per
// (username, role). Stale sessions do not expire — an explicit logout is the
// only resolution for a duplicate login.
type Authenticator struct {
	users UserRepository

	mu       sync.Mutex
	sessions map[identity]string
	tokens   map[string]identity
}

// New creates an Authenticator over the given user repository.
func New(users UserRepository) *Authenticator {
	return &Authenticator{
		users:    users,
		sessions: make(map[identity]string),
		tokens:   make(map[string]identity),
	}
}

// NewToken returns a 32-hex-char token from crypto/rand. Tokens are opaque
// and never embed identity.
func NewToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Register creates a new (username, role) identity and opens a session.
// Returns ErrUserExists if the identity is already present.
func (a *Authenticator) Register(ctx context.Context, username, password string, role model.Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrBadCredentials, role)
	}

	existing, err := a.users.GetUser(ctx, username, role)
	if err != nil {
		return "", err
	}
	if existing != nil {
		slog.Info("register rejected, duplicate identity", "username", username, "role", role)
		return "", ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	if err := a.users.CreateUser(ctx, model.User{Username: username, Role: role, PasswordHash: hash}); err != nil {
		return "", err
	}

	slog.Info("registered user", "username", username, "role", role)
	return a.openSession(identity{username, role})
}

// Login verifies credentials and opens a session. Returns ErrBadCredentials
// for an unknown identity or wrong password and ErrDuplicateLogin when a
// session is already active.
func (a *Authenticator) Login(ctx context.Context, username, password string, role model.Role) (string, error) {
	user, err := a.users.GetUser(ctx, username, role)
	if err != nil {
		return "", err
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		slog.Info("login rejected, bad credentials", "username", username, "role", role)
		return "", ErrBadCredentials
	}

	token, err := a.openSessionChecked(identity{username, role})
	if err != nil {
		return "", err
	}
	slog.Info("login ok", "username", username, "role", role)
	return token, nil
}

func (a *Authenticator) openSessionChecked(id identity) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, active := a.sessions[id]; active {
		slog.Info("login rejected, duplicate session", "username", id.username, "role", id.role)
		return "", ErrDuplicateLogin
	}
	return a.storeSessionLocked(id)
}

// openSession replaces any existing session for id (registration path).
func (a *Authenticator) openSession(id identity) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, active := a.sessions[id]; active {
		delete(a.tokens, old)
	}
	return a.storeSessionLocked(id)
}

func (a *Authenticator) storeSessionLocked(id identity) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	a.sessions[id] = token
	a.tokens[token] = id
	return token, nil
}

// Logout invalidates a session token. Returns false for an unknown token.
func (a *Authenticator) Logout(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.tokens[token]
	if !ok {
		return false
	}
	delete(a.tokens, token)
	delete(a.sessions, id)
	slog.Info("logout ok", "username", id.username, "role", id.role)
	return true
}

// Validate resolves a token to its identity. When role is non-empty the
// session must carry that role.
func (a *Authenticator) Validate(token string, role model.Role) (string, model.Role, error) {
	if token == "" {
		return "", "", ErrMissingToken
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.tokens[token]
	if !ok {
		return "", "", ErrInvalidToken
	}
	if role != "" && id.role != role {
		return "", "", ErrRoleMismatch
	}
	return id.username, id.role, nil
}

// ListOnline returns the usernames of active sessions, optionally filtered
// by role, sorted for stable output.
func (a *Authenticator) ListOnline(role model.Role) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		if role != "" && id.role != role {
			continue
		}
		names = append(names, id.username)
	}
	sort.Strings(names)
	return names
}
