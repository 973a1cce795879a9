// Package auth implements the identity gateway: credential verification,
// token issuance, and token-to-identity resolution.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/peerlink-chat/peerlink/internal/store"
)

var (
	// ErrMissingToken means no token was presented at all.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken covers malformed, badly signed, and expired tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownIdentity means the token verified but its subject no longer
	// exists in the user store.
	ErrUnknownIdentity = errors.New("unknown identity")

	ErrBadCredentials = errors.New("invalid username or password")
	ErrUsernameTaken  = errors.New("username already taken")
)

// Identity is the read-only reference to a registered user that the
// signaling core holds per active connection.
type Identity struct {
	ID   string
	Name string
}

type Service struct {
	store  *store.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(st *store.Store, secret string, ttl time.Duration) *Service {
	return &Service{
		store:  st,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 8
)

// Register creates a new identity. The username is the stable login handle;
// name is the display name shown to other users (defaults to the username).
func (s *Service) Register(ctx context.Context, username, name, password string) (Identity, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if err := validateUsername(username); err != nil {
		return Identity{}, err
	}
	if len(password) < minPasswordLen {
		return Identity{}, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, fmt.Errorf("hash password: %w", err)
	}

	u := &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.SaveUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return Identity{}, ErrUsernameTaken
		}
		return Identity{}, err
	}
	return Identity{ID: u.ID, Name: u.Name}, nil
}

// Login verifies the credential pair and issues a signed token on success.
func (s *Service) Login(ctx context.Context, username, password string) (string, Identity, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	u, err := s.store.FindUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so unknown usernames take the same time as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", Identity{}, ErrBadCredentials
	}
	if err != nil {
		return "", Identity{}, err
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return "", Identity{}, ErrBadCredentials
	}

	token, err := s.issueToken(u.ID)
	if err != nil {
		return "", Identity{}, err
	}
	return token, Identity{ID: u.ID, Name: u.Name}, nil
}

// Authenticate resolves a presented token to an Identity. It must run before
// any other operation on a new connection; failure leaves no state behind.
func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	u, err := s.store.FindUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrUnknownIdentity
	}
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: u.ID, Name: u.Name}, nil
}

func (s *Service) issueToken(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func validateUsername(username string) error {
	if len(username) < minUsernameLen || len(username) > maxUsernameLen {
		return fmt.Errorf("username must be %d-%d characters", minUsernameLen, maxUsernameLen)
	}
	for _, r := range username {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			return fmt.Errorf("username may only contain a-z, 0-9, '-', '_'")
		}
	}
	return nil
}

// dummyHash is a valid bcrypt hash of an unguessable value, used to equalize
// timing between unknown-username and wrong-password failures.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()
