package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus-ops/nucleus/internal/model"
)

// MemoryStore is an in-process implementation of the run store, API key,
// tenant secret and cloud account lookups. State is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]model.Run
	keys     map[uuid.UUID]model.APIKey
	secrets  map[string]string
	accounts map[string]model.CloudAccount
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[uuid.UUID]model.Run),
		keys:     make(map[uuid.UUID]model.APIKey),
		secrets:  make(map[string]string),
		accounts: make(map[string]model.CloudAccount),
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// CreateRun stores a copy of run.
func (m *MemoryStore) CreateRun(_ context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns a copy of the stored run.
func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return r.Clone(), nil
}

// UpdateRun replaces a stored run's mutable fields if it is still in
// status prev.
func (m *MemoryStore) UpdateRun(_ context.Context, run model.Run, prev model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != prev {
		return fmt.Errorf("storage: update run %s from %s: %w", run.ID, prev, ErrStatusConflict)
	}
	updated := run.Clone()
	updated.TenantID = existing.TenantID
	updated.ThreadID = existing.ThreadID
	updated.Trigger = existing.Trigger
	updated.CreatedAt = existing.CreatedAt
	m.runs[run.ID] = updated
	return nil
}

// ListQueuedRuns returns queued runs created before cutoff, oldest first.
func (m *MemoryStore) ListQueuedRuns(_ context.Context, cutoff time.Time, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Run
	for _, r := range m.runs {
		if r.Status == model.RunStatusQueued && r.CreatedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunsByThread returns a tenant's runs in a thread, newest first.
func (m *MemoryStore) ListRunsByThread(_ context.Context, tenantID, threadID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Run
	for _, r := range m.runs {
		if r.TenantID == tenantID && r.ThreadID == threadID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateAPIKey stores a managed key.
func (m *MemoryStore) CreateAPIKey(_ context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Prefix == key.Prefix && k.RevokedAt == nil {
			return model.APIKey{}, fmt.Errorf("storage: create api key: %w", ErrConflict)
		}
	}
	m.keys[key.ID] = key
	return key, nil
}

// GetAPIKeysByPrefix returns the usable keys with a prefix.
func (m *MemoryStore) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]model.APIKey, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.APIKey
	for _, k := range m.keys {
		if k.Prefix == prefix && k.Usable(now) {
			out = append(out, k)
		}
	}
	return out, nil
}

// TouchAPIKey records a successful authentication.
func (m *MemoryStore) TouchAPIKey(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		k.LastUsedAt = &at
		m.keys[id] = k
	}
	return nil
}

// GetWebhookSecret returns a tenant's secret, or "" when unset.
func (m *MemoryStore) GetWebhookSecret(_ context.Context, tenantID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secrets[tenantID], nil
}

// SetWebhookSecret stores a tenant's secret.
func (m *MemoryStore) SetWebhookSecret(_ context.Context, tenantID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[tenantID] = secret
	return nil
}

// GetCloudAccount returns a registered cloud account.
func (m *MemoryStore) GetCloudAccount(_ context.Context, tenantID, accountID string) (model.CloudAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[tenantID+"/"+accountID]
	if !ok {
		return model.CloudAccount{}, ErrNotFound
	}
	return a, nil
}

// UpsertCloudAccount registers a cloud account.
func (m *MemoryStore) UpsertCloudAccount(_ context.Context, a model.CloudAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.TenantID+"/"+a.AccountID] = a
	return nil
}
