package devices

import (
	"context"
	"sort"
	"sync"
	"time"
)

type linkKey struct{ user, device string }

type ruleKey struct{ device, topic string }

// memoryState is the data of a MemoryStore. Transactions work on a copy which replaces
// the original on commit.
type memoryState struct {
	devices map[string]Device
	links   map[linkKey]OwnerLink
	rules   map[ruleKey]AccessRule
}

// MemoryStore is an in-process implementation of Store
type MemoryStore struct {
	mutex sync.RWMutex
	state *memoryState
}

// NewMemoryStore returns an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		devices: map[string]Device{},
		links:   map[linkKey]OwnerLink{},
		rules:   map[ruleKey]AccessRule{},
	}}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		devices: make(map[string]Device, len(s.devices)),
		links:   make(map[linkKey]OwnerLink, len(s.links)),
		rules:   make(map[ruleKey]AccessRule, len(s.rules)),
	}
	for k, v := range s.devices {
		c.devices[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	return c
}

// InTx runs fn on a private copy of the store which is published when fn succeeds.
// Transactions are serialized with each other and with all writes.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) write(fn func(s *memoryState)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	fn(m.state)
}

// Device implements Reader
func (m *MemoryStore) Device(ctx context.Context, deviceID string) (*Device, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state.Device(ctx, deviceID)
}

// OwnerLinks implements Reader
func (m *MemoryStore) OwnerLinks(ctx context.Context, deviceID string) ([]OwnerLink, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state.OwnerLinks(ctx, deviceID)
}

// OwnedDevices implements Reader
func (m *MemoryStore) OwnedDevices(ctx context.Context, userID string) ([]OwnedDevice, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state.OwnedDevices(ctx, userID)
}

// AccessRules implements Reader
func (m *MemoryStore) AccessRules(ctx context.Context, deviceID string) ([]AccessRule, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state.AccessRules(ctx, deviceID)
}

// UpsertDevice implements Writer
func (m *MemoryStore) UpsertDevice(ctx context.Context, device Device) (err error) {
	m.write(func(s *memoryState) { err = s.UpsertDevice(ctx, device) })
	return
}

// SetCredential implements Writer
func (m *MemoryStore) SetCredential(ctx context.Context, deviceID, credentialHash string) (err error) {
	m.write(func(s *memoryState) { err = s.SetCredential(ctx, deviceID, credentialHash) })
	return
}

// TouchConnection implements Writer
func (m *MemoryStore) TouchConnection(ctx context.Context, deviceID, addr string, at time.Time) (err error) {
	m.write(func(s *memoryState) { err = s.TouchConnection(ctx, deviceID, addr, at) })
	return
}

// InsertOwnerLink implements Writer
func (m *MemoryStore) InsertOwnerLink(ctx context.Context, link OwnerLink) (inserted bool, err error) {
	m.write(func(s *memoryState) { inserted, err = s.InsertOwnerLink(ctx, link) })
	return
}

// DeleteOwnerLink implements Writer
func (m *MemoryStore) DeleteOwnerLink(ctx context.Context, userID, deviceID string) (deleted bool, err error) {
	m.write(func(s *memoryState) { deleted, err = s.DeleteOwnerLink(ctx, userID, deviceID) })
	return
}

// UpsertAccessRule implements Writer
func (m *MemoryStore) UpsertAccessRule(ctx context.Context, rule AccessRule) (err error) {
	m.write(func(s *memoryState) { err = s.UpsertAccessRule(ctx, rule) })
	return
}

// DeleteAccessRulesLike implements Writer
func (m *MemoryStore) DeleteAccessRulesLike(ctx context.Context, deviceID, pattern string) (n int64, err error) {
	m.write(func(s *memoryState) { n, err = s.DeleteAccessRulesLike(ctx, deviceID, pattern) })
	return
}

func (s *memoryState) Device(_ context.Context, deviceID string) (*Device, error) {
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.LastConnectionAt != nil {
		t := *d.LastConnectionAt
		d.LastConnectionAt = &t
	}
	return &d, nil
}

func (s *memoryState) OwnerLinks(_ context.Context, deviceID string) ([]OwnerLink, error) {
	var links []OwnerLink
	for _, l := range s.links {
		if l.DeviceID == deviceID {
			links = append(links, l)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].UserID < links[j].UserID
	})
	return links, nil
}

func (s *memoryState) OwnedDevices(_ context.Context, userID string) ([]OwnedDevice, error) {
	var owned []OwnedDevice
	for _, l := range s.links {
		if l.UserID != userID {
			continue
		}
		d := s.devices[l.DeviceID]
		owned = append(owned, OwnedDevice{OwnerLink: l, Model: d.Model, Type: d.Type})
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].DeviceID < owned[j].DeviceID })
	return owned, nil
}

func (s *memoryState) AccessRules(_ context.Context, deviceID string) ([]AccessRule, error) {
	var rules []AccessRule
	for _, r := range s.rules {
		if r.DeviceID == deviceID {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Topic < rules[j].Topic })
	return rules, nil
}

func (s *memoryState) UpsertDevice(_ context.Context, d Device) error {
	now := time.Now().UTC()
	if existing, ok := s.devices[d.ID]; ok {
		d.CreatedAt = existing.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.devices[d.ID] = d
	return nil
}

func (s *memoryState) SetCredential(_ context.Context, deviceID, credentialHash string) error {
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.CredentialHash = credentialHash
	d.UpdatedAt = time.Now().UTC()
	s.devices[deviceID] = d
	return nil
}

func (s *memoryState) TouchConnection(_ context.Context, deviceID, addr string, at time.Time) error {
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	d.LastConnectionAt = &at
	d.LastConnectionAddr = addr
	s.devices[deviceID] = d
	return nil
}

func (s *memoryState) InsertOwnerLink(_ context.Context, l OwnerLink) (bool, error) {
	if _, ok := s.devices[l.DeviceID]; !ok {
		return false, ErrNotFound
	}
	key := linkKey{l.UserID, l.DeviceID}
	if _, ok := s.links[key]; ok {
		return false, nil
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.links[key] = l
	return true, nil
}

func (s *memoryState) DeleteOwnerLink(_ context.Context, userID, deviceID string) (bool, error) {
	key := linkKey{userID, deviceID}
	_, ok := s.links[key]
	delete(s.links, key)
	return ok, nil
}

func (s *memoryState) UpsertAccessRule(_ context.Context, r AccessRule) error {
	now := time.Now().UTC()
	key := ruleKey{r.DeviceID, r.Topic}
	if existing, ok := s.rules[key]; ok {
		r.CreatedAt = existing.CreatedAt
	} else {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.rules[key] = r
	return nil
}

func (s *memoryState) DeleteAccessRulesLike(_ context.Context, deviceID, pattern string) (int64, error) {
	var n int64
	for key := range s.rules {
		if key.device == deviceID && Like(key.topic, pattern) {
			delete(s.rules, key)
			n++
		}
	}
	return n, nil
}
