package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID        string    `gorm:"primaryKey;size:64"`
	UserID           string    `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	PendingPoints    int64     `gorm:"not null;default:0"`
	CashBalance      int64     `gorm:"not null;default:0"`
	AssignedRegion   string    `gorm:"size:2;not null;default:'';index:idx_accounts_region_pending,priority:1"`
	AssignedCurrency string    `gorm:"size:3;not null;default:''"`
	LocationLocked   bool      `gorm:"not null;default:false"`
	Version          int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"primaryKey;size:64"`
	AccountID      string         `gorm:"size:64;not null;index:idx_ledger_account_created,priority:1;uniqueIndex:uniq_entry_idem,priority:1;index:idx_ledger_account_version,priority:1"`
	Kind           string         `gorm:"size:16;not null"`
	PointsDelta    int64          `gorm:"not null"`
	CashDelta      int64          `gorm:"not null"`
	PointsAfter    int64          `gorm:"not null"`
	CashAfter      int64          `gorm:"not null"`
	AccountVersion int64          `gorm:"not null;index:idx_ledger_account_version,priority:2"`
	ReferenceID    string         `gorm:"not null;default:''"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_entry_idem,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// RegionPool mirrors the region_pools table, keyed by (country, period).
type RegionPool struct {
	CountryCode             string          `gorm:"primaryKey;size:2"`
	Period                  string          `gorm:"primaryKey;size:7"`
	CurrencyCode            string          `gorm:"size:3;not null"`
	TotalRevenue            int64           `gorm:"not null;default:0"`
	UserShare               int64           `gorm:"not null;default:0"`
	PlatformShare           int64           `gorm:"not null;default:0"`
	TotalImpressions        int64           `gorm:"not null;default:0"`
	AverageReward           int64           `gorm:"not null;default:0"`
	ExchangeRateToReference decimal.Decimal `gorm:"type:text;not null"`
	Active                  bool            `gorm:"not null"`
	Closed                  bool            `gorm:"not null;default:false"`
	ActivatedAt             time.Time       `gorm:"not null"`
	LastUpdatedAt           time.Time       `gorm:"not null"`
}

func (RegionPool) TableName() string { return "region_pools" }

// ConversionBatch mirrors the conversion_batches table; one row per (country, period).
type ConversionBatch struct {
	BatchID              string     `gorm:"primaryKey;size:64"`
	CountryCode          string     `gorm:"size:2;not null;uniqueIndex:uniq_batch_region_period,priority:1"`
	Period               string     `gorm:"size:7;not null;uniqueIndex:uniq_batch_region_period,priority:2"`
	CurrencyCode         string     `gorm:"size:3;not null"`
	RateNumerator        int64      `gorm:"not null"`
	RateDenominator      int64      `gorm:"not null"`
	RateDisplay          string     `gorm:"not null"`
	UserShare            int64      `gorm:"not null"`
	UsersAffected        int64      `gorm:"not null;default:0"`
	TotalPointsConverted int64      `gorm:"not null;default:0"`
	Distributed          int64      `gorm:"not null;default:0"`
	Remainder            int64      `gorm:"not null;default:0"`
	Status               string     `gorm:"size:16;not null"`
	CreatedAt            time.Time  `gorm:"not null"`
	ProcessedAt          *time.Time `gorm:""`
}

func (ConversionBatch) TableName() string { return "conversion_batches" }

// ConversionItem mirrors the conversion_items table: the per-account snapshot of a batch.
type ConversionItem struct {
	BatchID         string `gorm:"primaryKey;size:64"`
	AccountID       string `gorm:"primaryKey;size:64"`
	SnapshotPoints  int64  `gorm:"not null"`
	ConvertedPoints int64  `gorm:"not null;default:0"`
	CashDelta       int64  `gorm:"not null;default:0"`
	Converted       bool   `gorm:"not null;default:false"`
}

func (ConversionItem) TableName() string { return "conversion_items" }

// Withdrawal mirrors the withdrawals table.
type Withdrawal struct {
	WithdrawalID     string     `gorm:"primaryKey;size:64"`
	AccountID        string     `gorm:"size:64;not null;uniqueIndex:uniq_withdrawal_idem,priority:1"`
	IdempotencyKey   string     `gorm:"not null;uniqueIndex:uniq_withdrawal_idem,priority:2"`
	Amount           int64      `gorm:"not null"`
	CurrencyCode     string     `gorm:"size:3;not null"`
	Destination      string     `gorm:"not null"`
	LedgerEntryID    string     `gorm:"size:64;not null"`
	Status           string     `gorm:"size:16;not null;index:idx_withdrawals_status_dispatched,priority:1"`
	FailureReason    string     `gorm:"not null;default:''"`
	DispatchAttempts int        `gorm:"not null;default:0"`
	RequestedAt      time.Time  `gorm:"not null"`
	DispatchedAt     *time.Time `gorm:"index:idx_withdrawals_status_dispatched,priority:2"`
	CompletedAt      *time.Time `gorm:""`
}

func (Withdrawal) TableName() string { return "withdrawals" }

// SecurityEvent mirrors the security_events audit table.
type SecurityEvent struct {
	EventID         string         `gorm:"primaryKey;size:64"`
	UserID          string         `gorm:"not null;default:'';index"`
	IPAddress       string         `gorm:"not null;default:''"`
	CountryCode     string         `gorm:"size:2;not null;default:''"`
	ASNOrganization string         `gorm:"not null;default:''"`
	UserAgent       string         `gorm:"not null;default:''"`
	Confidence      float64        `gorm:"not null"`
	VPNScore        float64        `gorm:"column:vpn_score;not null"`
	IsVPN           bool           `gorm:"column:is_vpn;not null"`
	IsSuspicious    bool           `gorm:"not null"`
	Decision        string         `gorm:"size:8;not null"`
	Reason          string         `gorm:"not null;default:''"`
	Signals         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index"`
}

func (SecurityEvent) TableName() string { return "security_events" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&Account{},
		&LedgerEntry{},
		&RegionPool{},
		&ConversionBatch{},
		&ConversionItem{},
		&Withdrawal{},
		&SecurityEvent{},
	}
}
