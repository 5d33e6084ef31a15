// Package registry implements the license-key lifecycle: issuance with
// duration-derived expiry, the single-use place-binding state machine, lookup,
// listing, and revocation.
//
// A key moves through three observable states: unused → bound to exactly one
// place → expired. The first-use transition is delegated to the record store
// as a compare-and-set so concurrent verification attempts cannot both win the
// binding. Expiry is evaluated lazily at read time; nothing in this package
// depends on a background purge.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/license-registry/license-registry/internal/store"
)

// Verification reason codes surfaced to callers. These are wire-level
// strings, shared with the HTTP layer's response bodies.
const (
	ReasonInvalidKey    = "invalid_key"
	ReasonExpired       = "expired"
	ReasonWrongPlaceID  = "wrong_place_id"
	ReasonUsedElsewhere = "used_elsewhere"
)

// durations maps the recognised duration names to their lengths. A nil entry
// means the key never expires.
var durations = map[string]time.Duration{
	"3days":     3 * 24 * time.Hour,
	"1week":     7 * 24 * time.Hour,
	"1month":    30 * 24 * time.Hour,
	"permanent": 0,
}

// DurationPermanent is the fallback applied when an issue request carries a
// missing or unrecognised duration. Treating junk input as permanent rather
// than rejecting it mirrors the issuing tooling's contract.
const DurationPermanent = "permanent"

// ValidationError reports a missing required field on an issue request.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// IssueRequest carries the caller-supplied fields for a new license key.
// The used-state triple is never caller-supplied.
type IssueRequest struct {
	Key         string
	SystemName  string
	ServerName  string
	PlaceID     string
	AssignedTo  store.Assignee
	Duration    string
	GeneratedBy string
}

// VerifyResult is the outcome of a verification attempt. Reason is empty when
// OK is true.
type VerifyResult struct {
	OK     bool
	Reason string
}

// KeySummary is the redacted projection returned to key owners: no place
// binding, no audit fields.
type KeySummary struct {
	SystemName string     `json:"system_name"`
	ServerName string     `json:"server_name"`
	Key        string     `json:"key"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// Service is the license registry. The clock is injected so expiry arithmetic
// is testable without sleeping.
type Service struct {
	licenses store.LicenseStore
	credits  store.CreditStore
	now      func() time.Time
}

// New creates a registry over the given stores. credits may be nil, in which
// case issued keys are not attributed to account key logs.
func New(licenses store.LicenseStore, credits store.CreditStore, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{licenses: licenses, credits: credits, now: now}
}

// Issue validates the request, computes the expiry from the duration, and
// inserts the record with the used-state triple cleared. Returns a
// *ValidationError for missing required fields and store.ErrDuplicateKey
// (wrapped) when the key token is already taken.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*store.License, error) {
	if req.Key == "" {
		return nil, &ValidationError{Field: "key"}
	}
	if req.PlaceID == "" {
		return nil, &ValidationError{Field: "placeid"}
	}
	if req.SystemName == "" {
		return nil, &ValidationError{Field: "system_name"}
	}

	duration := req.Duration
	if _, ok := durations[duration]; !ok {
		duration = DurationPermanent
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if d := durations[duration]; d > 0 {
		t := now.Add(d)
		expiresAt = &t
	}

	lic := &store.License{
		Key:         req.Key,
		KeyPrefix:   keyPrefix(req.Key),
		SystemName:  req.SystemName,
		ServerName:  req.ServerName,
		PlaceID:     req.PlaceID,
		AssignedTo:  req.AssignedTo,
		Duration:    duration,
		GeneratedBy: req.GeneratedBy,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Used:        false,
	}

	if err := s.licenses.InsertLicense(ctx, lic); err != nil {
		return nil, err
	}

	// Attribute the key to the assignee's generated-key log. Best-effort:
	// the log is an audit aid, not part of the key's lifecycle.
	if s.credits != nil && req.AssignedTo.ID != "" {
		if err := s.credits.AppendGeneratedKey(ctx, req.AssignedTo.ID, req.Key); err != nil {
			slog.Warn("failed to record generated key on account",
				"user_id", req.AssignedTo.ID, "error", err)
		}
	}

	return lic, nil
}

// Verify runs the per-key state machine for a redemption attempt from
// placeID. Checks are layered: existence, then expiry, then the issuance
// place, then the used/unused branch. The wrong-place check always compares
// against the place the key was issued for, not the place it was later bound
// to — those are distinct concepts.
func (s *Service) Verify(ctx context.Context, key, placeID string) (VerifyResult, error) {
	lic, err := s.licenses.GetLicense(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return VerifyResult{Reason: ReasonInvalidKey}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}

	now := s.now().UTC()
	if expired(lic.ExpiresAt, now) {
		return VerifyResult{Reason: ReasonExpired}, nil
	}

	if lic.PlaceID != placeID {
		return VerifyResult{Reason: ReasonWrongPlaceID}, nil
	}

	if !lic.Used {
		err := s.licenses.BindLicense(ctx, key, placeID, now)
		switch {
		case err == nil:
			return VerifyResult{OK: true}, nil
		case errors.Is(err, store.ErrConditionFailed):
			// Lost the first-use race. Re-read to learn which place won:
			// same place → idempotent success, different place → rejected.
			bound, getErr := s.licenses.GetLicense(ctx, key)
			if errors.Is(getErr, store.ErrNotFound) {
				return VerifyResult{Reason: ReasonInvalidKey}, nil
			}
			if getErr != nil {
				return VerifyResult{}, getErr
			}
			if bound.UsedPlaceID == placeID {
				return VerifyResult{OK: true}, nil
			}
			return VerifyResult{Reason: ReasonUsedElsewhere}, nil
		case errors.Is(err, store.ErrNotFound):
			// Revoked between the read and the bind.
			return VerifyResult{Reason: ReasonInvalidKey}, nil
		default:
			return VerifyResult{}, err
		}
	}

	if lic.UsedPlaceID == placeID {
		// Re-verification from the bound place: success, no mutation.
		return VerifyResult{OK: true}, nil
	}
	return VerifyResult{Reason: ReasonUsedElsewhere}, nil
}

// LookupByAssignee returns the redacted projections of the user's non-expired
// keys. The result is a finite unordered set; callers must not rely on order.
func (s *Service) LookupByAssignee(ctx context.Context, userID string) ([]KeySummary, error) {
	lics, err := s.licenses.ListLicensesByAssignee(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	out := make([]KeySummary, 0, len(lics))
	for _, lic := range lics {
		if expired(lic.ExpiresAt, now) {
			continue
		}
		out = append(out, KeySummary{
			SystemName: lic.SystemName,
			ServerName: lic.ServerName,
			Key:        lic.Key,
			ExpiresAt:  lic.ExpiresAt,
		})
	}
	return out, nil
}

// ListAll returns the full projection of every non-expired key, for
// administrative audit.
func (s *Service) ListAll(ctx context.Context) ([]*store.License, error) {
	lics, err := s.licenses.ListLicenses(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	out := make([]*store.License, 0, len(lics))
	for _, lic := range lics {
		if expired(lic.ExpiresAt, now) {
			continue
		}
		out = append(out, lic)
	}
	return out, nil
}

// Revoke deletes the key record. Returns store.ErrNotFound when no record
// matched; callers treating a second revoke as a no-op may ignore it.
func (s *Service) Revoke(ctx context.Context, key string) error {
	return s.licenses.DeleteLicense(ctx, key)
}

// expired reports whether a key with the given expiry is past it. A nil
// expiry means the key never expires; otherwise the key is expired iff now is
// strictly after the expiry instant.
func expired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return now.After(*expiresAt)
}

// keyPrefix extracts the family tag from a key token — everything before the
// first dash, or the whole token if it has none.
func keyPrefix(key string) string {
	return strings.SplitN(key, "-", 2)[0]
}
