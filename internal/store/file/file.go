// Package file implements the record store on a single JSON document on local
// disk. All state lives in one file guarded by an in-process mutex, so every
// guarded update (first-use binding, credit decrement, stock reservation) is
// trivially atomic: the guard is evaluated and the mutation applied under the
// same lock, then the whole document is persisted with a write-temp-then-rename
// so a crash mid-write never truncates existing data.
//
// With an empty path the store keeps everything in memory and skips
// persistence entirely. Tests use it in that mode as the real store
// implementation rather than a mock.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/license-registry/license-registry/internal/store"
)

func init() {
	store.Register("file", func(settings store.Settings) (store.Store, error) {
		return Open(settings.Path)
	})
}

// document is the on-disk shape: three collections plus the stock counter.
type document struct {
	Licenses map[string]*store.License       `json:"licenses"`
	Credits  map[string]*store.CreditAccount `json:"credits"`
	Stock    *int64                          `json:"stock"`
	Audit    []*store.AuditEntry             `json:"audit,omitempty"`
}

// Store is the file-backed record store.
type Store struct {
	mu   sync.Mutex
	path string // empty = memory-only
	doc  document
}

// Open loads the document at path, creating parent directories as needed.
// A missing file is not an error — the store starts empty and the file is
// created on the first write. An empty path yields a memory-only store.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			Licenses: make(map[string]*store.License),
			Credits:  make(map[string]*store.CreditAccount),
		},
	}

	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parsing store file %s: %w", path, err)
	}
	if s.doc.Licenses == nil {
		s.doc.Licenses = make(map[string]*store.License)
	}
	if s.doc.Credits == nil {
		s.doc.Credits = make(map[string]*store.CreditAccount)
	}
	return s, nil
}

// persist writes the document atomically. Caller must hold s.mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store document: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}

// --- LicenseStore ---

func (s *Store) InsertLicense(_ context.Context, lic *store.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Licenses[lic.Key]; exists {
		return fmt.Errorf("license %q: %w", lic.Key, store.ErrDuplicateKey)
	}
	cp := *lic
	s.doc.Licenses[lic.Key] = &cp
	return s.persist()
}

func (s *Store) GetLicense(_ context.Context, key string) (*store.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.doc.Licenses[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *lic
	return &cp, nil
}

func (s *Store) ListLicensesByAssignee(_ context.Context, userID string) ([]*store.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.License
	for _, lic := range s.doc.Licenses {
		if lic.AssignedTo.ID == userID {
			cp := *lic
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListLicenses(_ context.Context) ([]*store.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.License, 0, len(s.doc.Licenses))
	for _, lic := range s.doc.Licenses {
		cp := *lic
		out = append(out, &cp)
	}
	// Map iteration order is random; sort for stable listings.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) BindLicense(_ context.Context, key, placeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.doc.Licenses[key]
	if !ok {
		return store.ErrNotFound
	}
	if lic.Used {
		return store.ErrConditionFailed
	}
	lic.Used = true
	lic.UsedPlaceID = placeID
	usedAt := at
	lic.UsedAt = &usedAt
	return s.persist()
}

func (s *Store) DeleteLicense(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Licenses[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.doc.Licenses, key)
	return s.persist()
}

func (s *Store) DeleteExpiredLicenses(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, lic := range s.doc.Licenses {
		if lic.ExpiresAt != nil && now.After(*lic.ExpiresAt) {
			delete(s.doc.Licenses, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
}

// --- CreditStore ---

func (s *Store) GetAccount(_ context.Context, userID string) (*store.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.doc.Credits[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAccount(acct), nil
}

func (s *Store) ListAccounts(_ context.Context) ([]*store.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.CreditAccount, 0, len(s.doc.Credits))
	for _, acct := range s.doc.Credits {
		out = append(out, copyAccount(acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) UpsertCredits(_ context.Context, userID string, amount int64, prefix string) (*store.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.doc.Credits[userID]
	if !ok {
		acct = &store.CreditAccount{UserID: userID}
		s.doc.Credits[userID] = acct
	}
	acct.Credits += amount
	if prefix != "" {
		acct.KeyPrefix = prefix
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return copyAccount(acct), nil
}

func (s *Store) ConsumeCredit(_ context.Context, userID string) (*store.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.doc.Credits[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if acct.Credits <= 0 {
		return nil, store.ErrConditionFailed
	}
	before := copyAccount(acct)
	acct.Credits--
	if err := s.persist(); err != nil {
		return nil, err
	}
	return before, nil
}

func (s *Store) DeductCredits(_ context.Context, userID string, amount int64) (*store.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.doc.Credits[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if acct.Credits < amount {
		return nil, store.ErrConditionFailed
	}
	acct.Credits -= amount
	if err := s.persist(); err != nil {
		return nil, err
	}
	return copyAccount(acct), nil
}

func (s *Store) ClearPrefixIfZero(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.doc.Credits[userID]
	if !ok || acct.Credits != 0 || acct.KeyPrefix == "" {
		return nil
	}
	acct.KeyPrefix = ""
	return s.persist()
}

func (s *Store) AppendGeneratedKey(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.doc.Credits[userID]
	if !ok {
		acct = &store.CreditAccount{UserID: userID}
		s.doc.Credits[userID] = acct
	}
	acct.GeneratedKeys = append(acct.GeneratedKeys, key)
	return s.persist()
}

// --- StockStore ---

func (s *Store) EnsureStock(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Stock != nil {
		return nil
	}
	zero := int64(0)
	s.doc.Stock = &zero
	return s.persist()
}

func (s *Store) AdjustStock(_ context.Context, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Stock == nil {
		zero := int64(0)
		s.doc.Stock = &zero
	}
	*s.doc.Stock += delta
	if err := s.persist(); err != nil {
		return 0, err
	}
	return *s.doc.Stock, nil
}

func (s *Store) StockLevel(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Stock == nil {
		return 0, nil
	}
	return *s.doc.Stock, nil
}

func (s *Store) ReserveStock(_ context.Context, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := int64(0)
	if s.doc.Stock != nil {
		level = *s.doc.Stock
	}
	if level < amount {
		return store.ErrConditionFailed
	}
	level -= amount
	s.doc.Stock = &level
	return s.persist()
}

// --- AuditStore ---

func (s *Store) InsertAudit(_ context.Context, entry *store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.doc.Audit = append(s.doc.Audit, &cp)
	return s.persist()
}

func (s *Store) ListAudit(_ context.Context, limit int64) ([]*store.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.doc.Audit
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[int64(len(entries))-limit:]
	}
	out := make([]*store.AuditEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// --- lifecycle ---

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close(_ context.Context) error { return nil }

func copyAccount(acct *store.CreditAccount) *store.CreditAccount {
	cp := *acct
	if acct.GeneratedKeys != nil {
		cp.GeneratedKeys = append([]string(nil), acct.GeneratedKeys...)
	}
	return &cp
}
