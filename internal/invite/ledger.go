// Package invite manages chat invitations: the only path by which two
// identities become chat partners.
package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peerlink-chat/peerlink/internal/store"
)

var (
	ErrSelfInvite       = errors.New("cannot invite yourself")
	ErrUnknownTarget    = errors.New("no such user")
	ErrDuplicatePending = errors.New("an invite between these users is already pending")
	ErrChatExists       = errors.New("a chat between these users already exists")
	ErrNotFound         = errors.New("invite not found")
	// ErrNotRecipient is returned when someone other than the invitee tries to
	// resolve an invite.
	ErrNotRecipient = errors.New("not the recipient of this invite")
)

type Ledger struct {
	store *store.Store
	now   func() time.Time
}

func NewLedger(st *store.Store) *Ledger {
	return &Ledger{store: st, now: time.Now}
}

// Send records a pending invite from the given identity to the user whose
// username is toUsername. At most one pending invite may exist per unordered
// pair, in either direction, and none may exist once the pair already has a
// chat.
func (l *Ledger) Send(ctx context.Context, fromID, fromName, toUsername, message string) (*store.Invite, *store.User, error) {
	to, err := l.store.FindUserByUsername(ctx, toUsername)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUnknownTarget
	}
	if err != nil {
		return nil, nil, fmt.Errorf("look up invite target: %w", err)
	}
	if to.ID == fromID {
		return nil, nil, ErrSelfInvite
	}

	if _, err := l.store.FindChatForPair(ctx, fromID, to.ID); err == nil {
		return nil, nil, ErrChatExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("check existing chat: %w", err)
	}

	if _, err := l.store.FindPendingInviteForPair(ctx, fromID, to.ID); err == nil {
		return nil, nil, ErrDuplicatePending
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("check pending invite: %w", err)
	}

	inv := &store.Invite{
		ID:        uuid.NewString(),
		FromID:    fromID,
		FromName:  fromName,
		ToID:      to.ID,
		ToName:    to.Name,
		PairKey:   store.PairKey(fromID, to.ID),
		Status:    store.InviteStatusPending,
		Message:   message,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.SaveInvite(ctx, inv); err != nil {
		// Lost a race with a concurrent invite for the same pair.
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, nil, ErrDuplicatePending
		}
		return nil, nil, fmt.Errorf("save invite: %w", err)
	}
	return inv, to, nil
}

// Result is the outcome of resolving an invite. Chat is non-nil only when
// the invite was accepted.
type Result struct {
	Invite   *store.Invite
	Chat     *store.Chat
	Accepted bool
}

// Respond resolves a pending invite. Only the invitee may respond. Accepting
// creates the chat; either way the invite row is deleted, so a second respond
// for the same id reports ErrNotFound and can never create a second chat.
func (l *Ledger) Respond(ctx context.Context, inviteID, responderID string, accept bool) (Result, error) {
	inv, err := l.store.FindInvite(ctx, inviteID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("look up invite: %w", err)
	}
	if inv.ToID != responderID {
		return Result{}, ErrNotRecipient
	}

	res := Result{Invite: inv, Accepted: accept}
	if accept {
		chat := &store.Chat{
			ID:        uuid.NewString(),
			UserAID:   inv.FromID,
			UserBID:   inv.ToID,
			PairKey:   inv.PairKey,
			CreatedAt: l.now().UTC(),
		}
		err := l.store.SaveChat(ctx, chat)
		if errors.Is(err, store.ErrAlreadyExists) {
			// The pair gained a chat since the invite was sent. Reuse it
			// rather than fail; the invite still gets cleaned up below.
			chat, err = l.store.FindChatForPair(ctx, inv.FromID, inv.ToID)
		}
		if err != nil {
			return Result{}, fmt.Errorf("create chat: %w", err)
		}
		res.Chat = chat
	}

	if err := l.store.DeleteInvite(ctx, inv.ID); err != nil {
		return Result{}, fmt.Errorf("delete resolved invite: %w", err)
	}
	return res, nil
}

// ListPending returns pending invites addressed to userID, oldest first.
func (l *Ledger) ListPending(ctx context.Context, userID string) ([]*store.Invite, error) {
	return l.store.ListPendingInvitesFor(ctx, userID)
}
