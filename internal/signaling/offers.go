package signaling

import (
	"encoding/json"
	"sync"
	"time"
)

// pendingOffer is an offer whose target was offline at relay time, parked
// until the target reconnects or the TTL elapses.
type pendingOffer struct {
	TargetID   string
	SenderID   string
	SenderName string
	ChatID     string
	Payload    json.RawMessage
	StoredAt   time.Time
}

type offerBuffer struct {
	ttl time.Duration

	mu     sync.Mutex
	offers map[string][]pendingOffer // target user id -> offers, oldest first
}

func newOfferBuffer(ttl time.Duration) *offerBuffer {
	return &offerBuffer{
		ttl:    ttl,
		offers: make(map[string][]pendingOffer),
	}
}

func (b *offerBuffer) Put(o pendingOffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offers[o.TargetID] = append(b.offers[o.TargetID], o)
}

// TakeAll removes and returns every buffered offer for targetID that is still
// inside its TTL, plus the count of offers that had already expired.
func (b *offerBuffer) TakeAll(targetID string, now time.Time) (live []pendingOffer, expired int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.offers[targetID]
	delete(b.offers, targetID)

	for _, o := range all {
		if now.Sub(o.StoredAt) > b.ttl {
			expired++
			continue
		}
		live = append(live, o)
	}
	return live, expired
}

// Sweep drops every expired offer and returns how many were dropped.
func (b *offerBuffer) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for target, all := range b.offers {
		kept := all[:0]
		for _, o := range all {
			if now.Sub(o.StoredAt) > b.ttl {
				dropped++
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(b.offers, target)
		} else {
			b.offers[target] = kept
		}
	}
	return dropped
}

func (b *offerBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, all := range b.offers {
		n += len(all)
	}
	return n
}
