// Package store defines the record-store contract shared by the license
// registry and the credit ledger, together with the record types that live in
// it.
//
// Two interchangeable backends exist: a MongoDB document store (internal/
// store/mongo) and a single-file JSON store (internal/store/file). New
// backends are added by implementing Store and registering with the factory
// via an init() function in the backend's own package:
//
//	func init() {
//	    store.Register("mybackend", func(cfg *config.Config) (store.Store, error) {
//	        return New(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init(),
// so adding a backend requires no changes to the factory itself.
//
// Every mutating operation that carries a guard condition (first-use binding,
// credit decrement, stock reservation) must be implemented as a single
// conditional write inside the backend — callers never read-modify-write.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is; backends may wrap them with driver detail.
var (
	// ErrDuplicateKey is returned by InsertLicense when a record with the
	// same key token already exists.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrNotFound is returned by point lookups and conditional updates when
	// no record matches the unconditional part of the filter.
	ErrNotFound = errors.New("store: record not found")

	// ErrConditionFailed is returned by guarded updates (first-use binding,
	// guarded decrements) when the record exists but the guard condition no
	// longer holds — e.g. the key was already bound, or the balance was
	// already zero.
	ErrConditionFailed = errors.New("store: guard condition failed")
)

// Assignee identifies the user a license key belongs to. ID is the stable
// identifier used for lookups; Name is a descriptive label carried for
// display only.
type Assignee struct {
	ID   string `bson:"id" json:"id"`
	Name string `bson:"name,omitempty" json:"name,omitempty"`
}

// License is a single license-key record. ExpiresAt is nil for permanent
// keys. UsedPlaceID and UsedAt are set exactly once, by the first successful
// verification, and never change afterwards.
type License struct {
	Key         string     `bson:"key" json:"key"`
	KeyPrefix   string     `bson:"key_prefix" json:"key_prefix"`
	SystemName  string     `bson:"system_name" json:"system_name"`
	ServerName  string     `bson:"server_name" json:"server_name"`
	PlaceID     string     `bson:"placeid" json:"placeid"`
	AssignedTo  Assignee   `bson:"assigned_to" json:"assigned_to"`
	Duration    string     `bson:"duration" json:"duration"`
	GeneratedBy string     `bson:"generated_by" json:"generated_by"`
	CreatedAt   time.Time  `bson:"timestamp_utc" json:"timestamp_utc"`
	ExpiresAt   *time.Time `bson:"expires_at" json:"expires_at"`
	Used        bool       `bson:"used" json:"used"`
	UsedPlaceID string     `bson:"used_placeid,omitempty" json:"used_placeid,omitempty"`
	UsedAt      *time.Time `bson:"used_at,omitempty" json:"used_at,omitempty"`
}

// CreditAccount is the per-user credit balance. KeyPrefix is present only
// while Credits > 0; every path that can drive the balance to zero clears it.
// GeneratedKeys is an append-only log of key tokens attributed to the account.
type CreditAccount struct {
	UserID        string   `bson:"user_id" json:"user_id"`
	Credits       int64    `bson:"credits" json:"credits"`
	KeyPrefix     string   `bson:"prefix,omitempty" json:"prefix,omitempty"`
	GeneratedKeys []string `bson:"generated_keys,omitempty" json:"generated_keys,omitempty"`
}

// AuditEntry records a privileged mutation for later inspection. Writes are
// best-effort; a failed audit write never fails the triggering request.
type AuditEntry struct {
	ID        string    `bson:"id" json:"id"`
	Action    string    `bson:"action" json:"action"`
	Actor     string    `bson:"actor" json:"actor"`
	Subject   string    `bson:"subject" json:"subject"`
	Detail    string    `bson:"detail,omitempty" json:"detail,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// LicenseStore holds license-key records keyed by the unique key token.
type LicenseStore interface {
	// InsertLicense creates a new record. Returns ErrDuplicateKey if a
	// record with the same key token already exists.
	InsertLicense(ctx context.Context, lic *License) error

	// GetLicense returns the record for the exact key token, or ErrNotFound.
	GetLicense(ctx context.Context, key string) (*License, error)

	// ListLicensesByAssignee returns every record assigned to the user,
	// including expired ones — expiry filtering is the caller's concern.
	ListLicensesByAssignee(ctx context.Context, userID string) ([]*License, error)

	// ListLicenses returns every record.
	ListLicenses(ctx context.Context) ([]*License, error)

	// BindLicense performs the first-use transition as a compare-and-set:
	// the write succeeds only if the record still has used=false at write
	// time. Returns ErrNotFound if no record matches the key, or
	// ErrConditionFailed if the key exists but was already bound.
	BindLicense(ctx context.Context, key, placeID string, at time.Time) error

	// DeleteLicense removes the record. Returns ErrNotFound if no record
	// matched.
	DeleteLicense(ctx context.Context, key string) error

	// DeleteExpiredLicenses removes every record whose expiry is strictly
	// before now, returning the number removed. Used by the optional purge
	// job only; read paths evaluate expiry lazily and do not depend on it.
	DeleteExpiredLicenses(ctx context.Context, now time.Time) (int64, error)
}

// CreditStore holds per-user credit accounts keyed by user ID.
type CreditStore interface {
	// GetAccount returns the account, or ErrNotFound for unknown users.
	GetAccount(ctx context.Context, userID string) (*CreditAccount, error)

	// ListAccounts returns every account.
	ListAccounts(ctx context.Context) ([]*CreditAccount, error)

	// UpsertCredits atomically increments the account balance by amount,
	// creating the account if absent. When prefix is non-empty it is set on
	// the account in the same write. Returns the post-update account.
	UpsertCredits(ctx context.Context, userID string, amount int64, prefix string) (*CreditAccount, error)

	// ConsumeCredit atomically decrements the balance by one, guarded on
	// credits > 0, and returns the account as it was before the decrement.
	// Returns ErrConditionFailed when the guard fails (balance already zero)
	// and ErrNotFound when the account does not exist.
	ConsumeCredit(ctx context.Context, userID string) (*CreditAccount, error)

	// DeductCredits atomically decrements the balance by amount, guarded on
	// credits >= amount. Returns the post-update account, ErrNotFound for a
	// missing account, or ErrConditionFailed when the balance is too small.
	DeductCredits(ctx context.Context, userID string, amount int64) (*CreditAccount, error)

	// ClearPrefixIfZero unsets the account's key prefix, guarded on
	// credits == 0. A no-op (nil error) when the guard does not match; the
	// prefix claim only lapses with the balance.
	ClearPrefixIfZero(ctx context.Context, userID string) error

	// AppendGeneratedKey appends a key token to the account's generated-key
	// log, creating the account (with zero balance) if absent.
	AppendGeneratedKey(ctx context.Context, userID, key string) error
}

// StockStore holds the global stock counter bounding total allocatable
// credits. The counter is a singleton; backends key it by a fixed name.
type StockStore interface {
	// EnsureStock initialises the counter to zero if it does not exist yet.
	// Existing values are left untouched (insert-defaults-only-if-creating).
	EnsureStock(ctx context.Context) error

	// AdjustStock adds delta (which may be negative, for corrections) to the
	// counter and returns the new level.
	AdjustStock(ctx context.Context, delta int64) (int64, error)

	// StockLevel returns the current level, 0 if uninitialised.
	StockLevel(ctx context.Context) (int64, error)

	// ReserveStock atomically decrements the counter by amount, guarded on
	// credits >= amount. Returns ErrConditionFailed (and performs no
	// mutation) when the stock is insufficient.
	ReserveStock(ctx context.Context, amount int64) error
}

// AuditStore persists audit entries for privileged mutations.
type AuditStore interface {
	InsertAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, limit int64) ([]*AuditEntry, error)
}

// Store is the full record-store surface consumed by the application.
type Store interface {
	LicenseStore
	CreditStore
	StockStore
	AuditStore

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// FactoryFunc constructs a backend from raw settings. Settings are passed as
// a small struct rather than the whole application config to keep backends
// decoupled from the config package.
type FactoryFunc func(Settings) (Store, error)

// Settings carries the backend-agnostic connection settings.
type Settings struct {
	// URI is the connection string for server-backed stores (MongoDB).
	URI string
	// Database is the logical database name for server-backed stores.
	Database string
	// Path is the data file location for the file-backed store.
	Path string
}

var factories = make(map[string]FactoryFunc)

// Register registers a backend factory under a name. Called from backend
// init() functions.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates the backend selected by name.
func New(name string, settings Settings) (Store, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unsupported store backend: %s (must be 'mongo' or 'file')", name)
	}
	return factory(settings)
}
