package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Outcome records what became of a transition. Rejected means the ledger
// refused it locally. Failed means a rollback could not be applied.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

// Entry is one attempted slot transition and what became of it.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OpID      string    `gorm:"index" json:"opId,omitempty"`
	Kind      string    `gorm:"type:varchar(20);not null" json:"kind"`
	SlotID    string    `gorm:"index;not null" json:"slotId"`
	ZoneID    string    `gorm:"index" json:"zoneId,omitempty"`
	Outcome   Outcome   `gorm:"type:varchar(20);not null;index" json:"outcome"`
	Error     string    `json:"error,omitempty"`
	FareTotal float64   `json:"fareTotal,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

type Config struct {
	Driver string
	DSN    string
	Debug  bool
}

type Journal struct {
	db *gorm.DB
}

// Open connects to sqlite or postgres and migrates the entries table.
func Open(cfg Config) (*Journal, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", cfg.Driver)
	}

	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, err
	}

	if dialector.Name() == "sqlite" {
		// one connection, so ":memory:" databases are shared and writes serialize
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Record(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return j.db.WithContext(ctx).Create(e).Error
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (j *Journal) ForSlot(ctx context.Context, slotID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("slot_id = ?", slotID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
