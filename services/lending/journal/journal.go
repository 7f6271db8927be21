package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lendpool/core/events"
	"lendpool/core/types"
)

const defaultListLimit = 100

// Record is one archived lending event.
type Record struct {
	ID         string            `gorm:"size:36;primaryKey" json:"id"`
	Type       string            `gorm:"size:64;index" json:"type"`
	PoolID     string            `gorm:"size:64;index" json:"pool,omitempty"`
	LoanID     string            `gorm:"size:64;index" json:"loan,omitempty"`
	Attributes map[string]string `gorm:"serializer:json" json:"attributes"`
	CreatedAt  time.Time         `gorm:"index" json:"createdAt"`
}

func (Record) TableName() string { return "lending_events" }

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	PoolID string
	LoanID string
	Type   string
	Limit  int
}

// Open connects to the journal database. DSNs starting with postgres:// or
// postgresql://, or containing host=, use the postgres driver; anything else
// is treated as a sqlite path.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("journal dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the journal schema.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Journal persists emitted events. It implements events.Emitter; write
// failures are logged because emission happens after the operation committed.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ events.Emitter = (*Journal)(nil)

func New(db *gorm.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger.With("component", "journal"), now: time.Now}
}

type typedEvent interface {
	Event() *types.Event
}

func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	typed, ok := evt.(typedEvent)
	if !ok {
		j.logger.Warn("journal skipped untyped event", "type", evt.EventType())
		return
	}
	payload := typed.Event()
	if payload == nil {
		return
	}
	rec := Record{
		ID:         uuid.NewString(),
		Type:       payload.Type,
		PoolID:     payload.Attributes["pool"],
		LoanID:     payload.Attributes["loan"],
		Attributes: payload.Attributes,
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.Create(&rec).Error; err != nil {
		j.logger.Error("journal write failed", "type", rec.Type, "error", err)
	}
}

// List returns matching records, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	query := j.db.WithContext(ctx).Model(&Record{})
	if filter.PoolID != "" {
		query = query.Where("pool_id = ?", filter.PoolID)
	}
	if filter.LoanID != "" {
		query = query.Where("loan_id = ?", filter.LoanID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	var records []Record
	if err := query.Order("created_at DESC").Order("id").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return records, nil
}
