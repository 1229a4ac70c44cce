package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MinorUnits is an integer amount of currency in its minor unit (cents, paise, kobo).
type MinorUnits int64

// Int64 returns the raw value.
func (amount MinorUnits) Int64() int64 {
	return int64(amount)
}

// Negated returns the additive inverse.
func (amount MinorUnits) Negated() MinorUnits {
	return -amount
}

// NewPositiveMinorUnits validates an amount and ensures it is strictly positive.
func NewPositiveMinorUnits(raw int64) (MinorUnits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return MinorUnits(raw), nil
}

// NewMinorUnits validates a balance-like amount and ensures it is not negative.
func NewMinorUnits(raw int64) (MinorUnits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return MinorUnits(raw), nil
}

// Points counts provisional reward units.
type Points int64

// Int64 returns the raw value.
func (points Points) Int64() int64 {
	return int64(points)
}

// NewPositivePoints validates a point award.
func NewPositivePoints(raw int64) (Points, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPoints)
	}
	return Points(raw), nil
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// AccountID identifies a stored account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// ReferenceID links an entry to the withdrawal, conversion batch or impression that caused it.
type ReferenceID struct {
	value string
}

// NewReferenceID validates and normalizes a reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReferenceID) String() string {
	return id.value
}

// IsZero reports whether the reference is absent.
func (id ReferenceID) IsZero() bool {
	return id.value == ""
}

// IdempotencyKey scopes duplicate detection per account.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

func deriveIdempotencyKey(parts ...string) (IdempotencyKey, error) {
	return NewIdempotencyKey(strings.Join(parts, idempotencyKeyDelimiter))
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

func metadataFromMap(values map[string]string) MetadataJSON {
	encoded, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(encoded)}
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryAward      EntryKind = "award"
	EntryConversion EntryKind = "conversion"
	EntryWithdrawal EntryKind = "withdrawal"
	EntryAdjustment EntryKind = "adjustment"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(strings.TrimSpace(raw)) {
	case EntryAward:
		return EntryAward, nil
	case EntryConversion:
		return EntryConversion, nil
	case EntryWithdrawal:
		return EntryWithdrawal, nil
	case EntryAdjustment:
		return EntryAdjustment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// Entry is a single immutable line in the ledger.
// PointsAfter and CashAfter snapshot the account balances right after the entry applied.
type Entry struct {
	EntryID        EntryID
	AccountID      AccountID
	Kind           EntryKind
	PointsDelta    Points
	CashDelta      MinorUnits
	PointsAfter    Points
	CashAfter      MinorUnits
	AccountVersion int64
	ReferenceID    ReferenceID
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Account holds the two mutable balances the ledger derives from, plus the region assignment.
type Account struct {
	AccountID        AccountID
	UserID           UserID
	PendingPoints    Points
	CashBalance      MinorUnits
	AssignedRegion   CountryCode
	AssignedCurrency CurrencyCode
	LocationLocked   bool
	Version          int64
}

// HasRegion reports whether a region was ever assigned.
func (account Account) HasRegion() bool {
	return !account.AssignedRegion.IsZero()
}

// Balance is the read-only balance view.
type Balance struct {
	PendingPoints  Points
	CashBalance    MinorUnits
	Currency       CurrencyCode
	Region         CountryCode
	LocationLocked bool
}
