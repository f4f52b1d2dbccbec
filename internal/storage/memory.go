package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokenbroker/tokenbroker/internal/domain"
)

type credentialKey struct {
	userID  string
	service domain.Service
}

// MemoryStore is a mutex-guarded in-process TokenStore. It backs tests and
// the "memory" store backend for local development.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[credentialKey]domain.Credential
	audit       []domain.AuditEntry
	nextAuditID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[credentialKey]domain.Credential),
		nextAuditID: 1,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credentialKey{cred.UserID, cred.Service}] = cred
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string, service domain.Service) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[credentialKey{userID, service}]
	if !ok {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	return cred, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var creds []domain.Credential
	for key, cred := range s.credentials {
		if key.userID == userID {
			creds = append(creds, cred)
		}
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Service < creds[j].Service })
	return creds, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string, service domain.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, credentialKey{userID, service})
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry domain.AuditEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.nextAuditID
	s.nextAuditID++
	s.audit = append(s.audit, entry)
	return entry.ID, nil
}

func (s *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, cred := range s.credentials {
		if cred.Expiry.Before(cutoff) {
			delete(s.credentials, key)
			deleted++
		}
	}
	return deleted, nil
}

// AuditEntries returns a copy of the audit log, oldest first.
func (s *MemoryStore) AuditEntries() []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.AuditEntry, len(s.audit))
	copy(entries, s.audit)
	return entries
}
