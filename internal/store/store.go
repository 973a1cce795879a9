// Package store provides persistence for identities, invites, and chats.
//
// The signaling core re-validates every invariant before writing; the unique
// indexes here are defense in depth, not the primary enforcement.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// User is a registered identity. ID and Username are immutable once issued.
type User struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex"`
	Name         string
	PasswordHash []byte
	CreatedAt    time.Time
}

type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusRejected InviteStatus = "rejected"
)

// Invite is a directed proposal to establish a chat. Resolved invites are
// deleted, so the table only ever holds pending rows; the unique PairKey
// index therefore enforces at-most-one-pending-invite per unordered pair.
type Invite struct {
	ID        string `gorm:"primaryKey"`
	FromID    string
	FromName  string
	ToID      string
	ToName    string
	PairKey   string `gorm:"uniqueIndex"`
	Status    InviteStatus
	Message   string
	CreatedAt time.Time
}

// Chat is an established pairing authorizing call/signaling traffic. Never
// mutated after creation.
type Chat struct {
	ID        string `gorm:"primaryKey"`
	UserAID   string
	UserBID   string
	PairKey   string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

// PairKey returns the canonical key for an unordered identity pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and migrates the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &Invite{}, &Chat{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) SaveUser(ctx context.Context, u *User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SearchUsers returns up to limit users whose username or display name
// contains term (case-insensitive), excluding excludeID.
func (s *Store) SearchUsers(ctx context.Context, term, excludeID string, limit int) ([]*User, error) {
	var users []*User
	pattern := "%" + strings.ToLower(term) + "%"
	err := s.db.WithContext(ctx).
		Where("(lower(username) LIKE ? OR lower(name) LIKE ?) AND id <> ?", pattern, pattern, excludeID).
		Order("username").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) SaveInvite(ctx context.Context, inv *Invite) error {
	err := s.db.WithContext(ctx).Create(inv).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) FindInvite(ctx context.Context, id string) (*Invite, error) {
	var inv Invite
	err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// FindPendingInviteForPair looks up a pending invite between a and b in
// either direction.
func (s *Store) FindPendingInviteForPair(ctx context.Context, a, b string) (*Invite, error) {
	var inv Invite
	err := s.db.WithContext(ctx).
		First(&inv, "pair_key = ? AND status = ?", PairKey(a, b), InviteStatusPending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListPendingInvitesFor returns pending invites addressed to the given user,
// oldest first, for reconnect-time replay.
func (s *Store) ListPendingInvitesFor(ctx context.Context, userID string) ([]*Invite, error) {
	var invites []*Invite
	err := s.db.WithContext(ctx).
		Where("to_id = ? AND status = ?", userID, InviteStatusPending).
		Order("created_at").
		Find(&invites).Error
	if err != nil {
		return nil, err
	}
	return invites, nil
}

func (s *Store) DeleteInvite(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Invite{}, "id = ?", id).Error
}

func (s *Store) SaveChat(ctx context.Context, c *Chat) error {
	err := s.db.WithContext(ctx).Create(c).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) FindChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) FindChatForPair(ctx context.Context, a, b string) (*Chat, error) {
	var c Chat
	err := s.db.WithContext(ctx).First(&c, "pair_key = ?", PairKey(a, b)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) FindChatsForParticipant(ctx context.Context, userID string) ([]*Chat, error) {
	var chats []*Chat
	err := s.db.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("created_at").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	return chats, nil
}

// Counterpart returns the other participant of the chat, or "" if userID is
// not a participant.
func (c *Chat) Counterpart(userID string) string {
	switch userID {
	case c.UserAID:
		return c.UserBID
	case c.UserBID:
		return c.UserAID
	default:
		return ""
	}
}
