package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerlink-chat/peerlink/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, "test-secret", time.Hour)
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	id, err := s.Register(ctx, "Alice", "Alice L", "hunter2secret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id.Name != "Alice L" {
		t.Fatalf("Name = %q", id.Name)
	}

	// Usernames are case-normalized at registration and login.
	token, got, err := s.Login(ctx, "ALICE", "hunter2secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if got.ID != id.ID {
		t.Fatalf("Login identity = %q, want %q", got.ID, id.ID)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"short username", "ab", "longenoughpw"},
		{"bad characters", "al ice!", "longenoughpw"},
		{"short password", "alice", "short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Register(ctx, tc.username, "", tc.password); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "alice", "", "hunter2secret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.Register(ctx, "alice", "", "otherpassword"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("err = %v, want ErrUsernameTaken", err)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "alice", "", "hunter2secret"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, _, err := s.Login(ctx, "alice", "wrongpassword"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password err = %v, want ErrBadCredentials", err)
	}
	if _, _, err := s.Login(ctx, "nobody", "hunter2secret"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user err = %v, want ErrBadCredentials", err)
	}
}

func TestAuthenticate(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	id, err := s.Register(ctx, "alice", "Alice", "hunter2secret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, _, err := s.Login(ctx, "alice", "hunter2secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	got, err := s.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != id.ID || got.Name != "Alice" {
		t.Fatalf("identity = %+v", got)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Authenticate(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token err = %v, want ErrMissingToken", err)
	}
	if _, err := s.Authenticate(ctx, "   "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("blank token err = %v, want ErrMissingToken", err)
	}
	if _, err := s.Authenticate(ctx, "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "alice", "", "hunter2secret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, _, err := s.Login(ctx, "alice", "hunter2secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	other := NewService(s.store, "other-secret", time.Hour)
	if _, err := other.Authenticate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.Register(ctx, "alice", "", "hunter2secret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, _, err := s.Login(ctx, "alice", "hunter2secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Authenticate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateDeletedUser(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	s := NewService(st, "test-secret", time.Hour)
	ctx := context.Background()

	if _, err := s.Register(ctx, "alice", "", "hunter2secret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Token for a subject that does not exist.
	token, err := s.issueToken("ghost")
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, err := s.Authenticate(ctx, token); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("err = %v, want ErrUnknownIdentity", err)
	}
}
