package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"restops/internal/domain"
	"restops/internal/store"
)

type requestRecord struct {
	functionName string
	key          string
	at           time.Time
}

type Store struct {
	mu sync.RWMutex

	requests        []requestRecord
	idempotencyKeys map[string]time.Time
	audit           []domain.AuditEntry
	grants          map[string]struct{}

	accounts          map[string]domain.ExternalAccount
	accountByMerchant map[string]string
	accountMembers    map[string]map[string]struct{}

	instances map[string]domain.MessagingInstance
}

func NewStore() *Store {
	return &Store{
		requests:          make([]requestRecord, 0, 256),
		idempotencyKeys:   make(map[string]time.Time),
		audit:             make([]domain.AuditEntry, 0, 256),
		grants:            make(map[string]struct{}),
		accounts:          make(map[string]domain.ExternalAccount),
		accountByMerchant: make(map[string]string),
		accountMembers:    make(map[string]map[string]struct{}),
		instances:         make(map[string]domain.MessagingInstance),
	}
}

func grantKey(identity, featureCode, action string) string {
	return identity + "\x00" + featureCode + "\x00" + action
}

// Grant adds a capability grant. The gateway never mutates grants; this
// exists for seeding and tests.
func (s *Store) Grant(identity, featureCode, action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey(identity, featureCode, action)] = struct{}{}
}

func (s *Store) HasGrant(_ context.Context, identity, featureCode, action string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[grantKey(identity, featureCode, action)]
	return ok, nil
}

func (s *Store) CountRequests(_ context.Context, functionName, key string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.requests {
		if rec.functionName == functionName && rec.key == key && !rec.at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordRequest(_ context.Context, functionName, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, requestRecord{functionName: functionName, key: key, at: at.UTC()})
	return nil
}

func (s *Store) PruneRequests(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.requests[:0]
	pruned := 0
	for _, rec := range s.requests {
		if rec.at.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.requests = kept
	return pruned, nil
}

func (s *Store) KeyExists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idempotencyKeys[key]
	return ok, nil
}

func (s *Store) InsertKey(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idempotencyKeys[key]; ok {
		return store.ErrDuplicate
	}
	s.idempotencyKeys[key] = at.UTC()
	return nil
}

func (s *Store) PruneKeys(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for key, at := range s.idempotencyKeys {
		if at.Before(before) {
			delete(s.idempotencyKeys, key)
			pruned++
		}
	}
	return pruned, nil
}

func (s *Store) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAudit(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	if len(s.audit) == 0 {
		return []domain.AuditEntry{}, nil
	}
	start := max(len(s.audit)-limit, 0)
	out := slices.Clone(s.audit[start:])
	slices.Reverse(out)
	return out, nil
}

func (s *Store) CreateAccount(_ context.Context, account domain.ExternalAccount, owner string) (domain.ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accountByMerchant[account.MerchantID]; exists {
		return domain.ExternalAccount{}, store.ErrDuplicate
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	s.accounts[account.ID] = account
	s.accountByMerchant[account.MerchantID] = account.ID
	if owner != "" {
		s.accountMembers[account.ID] = map[string]struct{}{owner: {}}
	}
	return account, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (domain.ExternalAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return domain.ExternalAccount{}, store.ErrNotFound
	}
	return account, nil
}

func (s *Store) FindAccountByMerchant(_ context.Context, merchantID string) (domain.ExternalAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.accountByMerchant[merchantID]
	if !ok {
		return domain.ExternalAccount{}, store.ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *Store) UpdateAccountTokens(_ context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	account.AccessToken = accessToken
	account.RefreshToken = refreshToken
	account.TokenExpiresAt = expiresAt.UTC()
	account.UpdatedAt = time.Now().UTC()
	s.accounts[id] = account
	return nil
}

func (s *Store) SetAccountActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	account.IsActive = active
	account.UpdatedAt = time.Now().UTC()
	s.accounts[id] = account
	return nil
}

func (s *Store) GrantAccountAccess(_ context.Context, accountID, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return store.ErrNotFound
	}
	members, ok := s.accountMembers[accountID]
	if !ok {
		members = make(map[string]struct{})
		s.accountMembers[accountID] = members
	}
	members[identity] = struct{}{}
	return nil
}

func (s *Store) ListAccountsFor(_ context.Context, identity string) ([]domain.ExternalAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ExternalAccount, 0)
	for id, members := range s.accountMembers {
		if _, ok := members[identity]; ok {
			out = append(out, s.accounts[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateInstance(_ context.Context, instance domain.MessagingInstance) (domain.MessagingInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	if _, exists := s.instances[instance.ID]; exists {
		return domain.MessagingInstance{}, store.ErrDuplicate
	}
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now
	s.instances[instance.ID] = instance
	return instance, nil
}

func (s *Store) GetInstance(_ context.Context, id string) (domain.MessagingInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	if !ok {
		return domain.MessagingInstance{}, store.ErrNotFound
	}
	return instance, nil
}

func (s *Store) FindInstanceByExternalID(_ context.Context, externalID string) (domain.MessagingInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, instance := range s.instances {
		if instance.ExternalInstanceID == externalID {
			return instance, nil
		}
	}
	return domain.MessagingInstance{}, store.ErrNotFound
}

func (s *Store) UpdateInstance(_ context.Context, instance domain.MessagingInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instance.ID]; !ok {
		return store.ErrNotFound
	}
	instance.UpdatedAt = time.Now().UTC()
	s.instances[instance.ID] = instance
	return nil
}

func (s *Store) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.instances, id)
	return nil
}

func (s *Store) ListInstances(_ context.Context) ([]domain.MessagingInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MessagingInstance, 0, len(s.instances))
	for _, instance := range s.instances {
		out = append(out, instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ store.Store = (*Store)(nil)
