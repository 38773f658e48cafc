package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu         sync.Mutex
	users      map[int64]User
	accounts   map[int64]Account
	structures map[int64]Structure
	events     map[string]SeenEvent
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		users:      map[int64]User{},
		accounts:   map[int64]Account{},
		structures: map[int64]Structure{},
		events:     map[string]SeenEvent{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) PutUser(_ context.Context, u User) error {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetUser(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) UsersWithoutAccounts(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	linked := make(map[int64]bool, len(m.accounts))
	for _, a := range m.accounts {
		linked[a.UserID] = true
	}
	var out []User
	for id, u := range m.users {
		if !linked[id] {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid, a := range m.accounts {
		if a.UserID == id {
			delete(m.accounts, cid)
		}
	}
	delete(m.users, id)
	return nil
}

func (m *memoryStore) sortedAccounts(keep func(Account) bool) []Account {
	var out []Account
	for _, a := range m.accounts {
		if keep == nil || keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CorporationID != out[j].CorporationID {
			return out[i].CorporationID < out[j].CorporationID
		}
		return out[i].CharacterID < out[j].CharacterID
	})
	return out
}

func (m *memoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAccounts(nil), nil
}

func (m *memoryStore) AccountsByUser(_ context.Context, userID int64) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedAccounts(func(a Account) bool { return a.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out, nil
}

func (m *memoryStore) GetAccount(_ context.Context, characterID int64) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[characterID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *memoryStore) PutAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	m.accounts[a.CharacterID] = a
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) updateAccount(characterID int64, fn func(*Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[characterID]
	if !ok {
		return ErrNotFound
	}
	fn(&a)
	m.accounts[characterID] = a
	return nil
}

func (m *memoryStore) UpdateAccountCorporation(_ context.Context, characterID, corporationID int64) error {
	return m.updateAccount(characterID, func(a *Account) { a.CorporationID = corporationID })
}

func (m *memoryStore) UpdateAccountToken(_ context.Context, characterID int64, refreshToken string) error {
	return m.updateAccount(characterID, func(a *Account) { a.RefreshToken = refreshToken })
}

func (m *memoryStore) DeleteAccount(_ context.Context, characterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[characterID]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, characterID)
	return nil
}

func (m *memoryStore) GetStructure(_ context.Context, id int64) (Structure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.structures[id]
	if !ok {
		return Structure{}, ErrNotFound
	}
	return st, nil
}

func (m *memoryStore) CreateStructure(_ context.Context, st Structure) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.structures[st.ID]; ok {
		return false, nil
	}
	m.structures[st.ID] = st
	return true, nil
}

func (m *memoryStore) updateStructure(id int64, fn func(*Structure)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.structures[id]
	if !ok {
		return ErrNotFound
	}
	fn(&st)
	m.structures[id] = st
	return nil
}

func (m *memoryStore) SetStructureState(_ context.Context, id int64, state string) error {
	return m.updateStructure(id, func(s *Structure) { s.LastState = state })
}

func (m *memoryStore) SetStructureFuelWarning(_ context.Context, id int64, level int) error {
	return m.updateStructure(id, func(s *Structure) { s.LastFuelWarning = level })
}

func (m *memoryStore) GetOrCreateEvent(_ context.Context, e SeenEvent) (SeenEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if got, ok := m.events[e.ID]; ok {
		return got, false, nil
	}
	if e.SeenAt.IsZero() {
		e.SeenAt = time.Now()
	}
	if e.Timestamp != nil {
		t := *e.Timestamp
		e.Timestamp = &t
	}
	m.events[e.ID] = e
	return e, true, nil
}

func (m *memoryStore) MarkEventDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Delivered = true
	m.events[id] = e
	return nil
}

func (m *memoryStore) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.events {
		if e.SeenAt.Before(before) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Counts(_ context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	corps := map[int64]struct{}{}
	for _, a := range m.accounts {
		corps[a.CorporationID] = struct{}{}
	}
	return Counts{
		Users:        len(m.users),
		Accounts:     len(m.accounts),
		Corporations: len(corps),
		Structures:   len(m.structures),
		Events:       len(m.events),
	}, nil
}
