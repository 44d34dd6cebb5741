package devbroker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcontrol/mission-control/internal/api"
)

const minKeyLength = 8

type keyRecord struct {
	ID        string
	Provider  string
	Name      string
	Hint      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// keyring stores credential metadata per user. Secrets are reduced to their
// masked hint on arrival and never kept.
type keyring struct {
	mu    sync.Mutex
	now   func() time.Time
	byUID map[string]map[string]keyRecord
}

func newKeyring(now func() time.Time) *keyring {
	if now == nil {
		now = time.Now
	}
	return &keyring{now: now, byUID: make(map[string]map[string]keyRecord)}
}

func (k *keyring) Create(uid, provider, name, secret string) keyRecord {
	now := k.now().UTC()
	rec := keyRecord{
		ID:        uuid.NewString(),
		Provider:  provider,
		Name:      name,
		Hint:      api.MaskKey(secret),
		CreatedAt: now,
		UpdatedAt: now,
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.byUID[uid] == nil {
		k.byUID[uid] = make(map[string]keyRecord)
	}
	k.byUID[uid][rec.ID] = rec
	return rec
}

func (k *keyring) List(uid string) []keyRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]keyRecord, 0, len(k.byUID[uid]))
	for _, rec := range k.byUID[uid] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID)
	})
	return out
}

func (k *keyring) Get(uid, id string) (keyRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.byUID[uid][id]
	return rec, ok
}

// Update applies the non-nil fields.
func (k *keyring) Update(uid, id string, name, secret *string) (keyRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.byUID[uid][id]
	if !ok {
		return keyRecord{}, false
	}
	if name != nil {
		rec.Name = *name
	}
	if secret != nil {
		rec.Hint = api.MaskKey(*secret)
	}
	rec.UpdatedAt = k.now().UTC()
	k.byUID[uid][id] = rec
	return rec, true
}

func (k *keyring) Delete(uid, id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.byUID[uid][id]; !ok {
		return false
	}
	delete(k.byUID[uid], id)
	return true
}
