// Package snapshot persists each board's replicated op log in Postgres and
// compacts old deltas into aggregate snapshots so cold-start replay stays
// bounded.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"canvas-realtime/internal/crdt"
)

// BoardDelta is one replicated delta as received, appended in arrival order.
type BoardDelta struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   string    `gorm:"index:idx_board_deltas_board_id" json:"boardId"`
	Ops       string    `gorm:"type:jsonb" json:"ops"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName sets the table name for BoardDelta.
func (BoardDelta) TableName() string {
	return "board_deltas"
}

// BoardSnapshot is a compacted run of deltas. StartID/EndID record the delta
// row range it absorbed.
type BoardSnapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   string    `gorm:"index:idx_board_snapshots_board_id" json:"boardId"`
	Data      string    `gorm:"type:jsonb" json:"data"`
	StartID   int64     `json:"startId"`
	EndID     int64     `json:"endId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName sets the table name for BoardSnapshot.
func (BoardSnapshot) TableName() string {
	return "board_snapshots"
}

// Store is the durable op log behind a board. Replay order is snapshots first,
// then remaining deltas; ops are commutative so exact interleaving within a
// batch does not matter.
type Store interface {
	AppendDelta(ctx context.Context, boardID string, delta crdt.Delta) error
	LoadOps(ctx context.Context, boardID string) ([]crdt.Op, error)
	Compact(boardID string)
}

// Open connects to Postgres and migrates the board tables.
func Open(dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.AutoMigrate(&BoardDelta{}, &BoardSnapshot{}); err != nil {
		log.Printf("[Store] AutoMigrate warning: %v", err)
	}

	return db, nil
}

// GormStore implements Store on a gorm connection.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AppendDelta writes one delta's ops as a single row.
func (s *GormStore) AppendDelta(ctx context.Context, boardID string, delta crdt.Delta) error {
	data, err := json.Marshal(delta.Ops)
	if err != nil {
		return err
	}
	row := BoardDelta{BoardID: boardID, Ops: string(data)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		log.Printf("[Store] Failed to append delta for board %s: %v", boardID, err)
		return err
	}
	return nil
}

// LoadOps replays the board's full durable history: every compacted snapshot,
// then every delta row still outside a snapshot.
func (s *GormStore) LoadOps(ctx context.Context, boardID string) ([]crdt.Op, error) {
	var snapshots []BoardSnapshot
	if err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Order("id ASC").Find(&snapshots).Error; err != nil {
		return nil, err
	}

	var ops []crdt.Op
	for _, snap := range snapshots {
		var batch []crdt.Op
		if err := json.Unmarshal([]byte(snap.Data), &batch); err != nil {
			log.Printf("[Store] Failed to parse snapshot %d: %v", snap.ID, err)
			continue
		}
		ops = append(ops, batch...)
	}

	var deltas []BoardDelta
	if err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Order("id ASC").Find(&deltas).Error; err != nil {
		return nil, err
	}
	for _, d := range deltas {
		var batch []crdt.Op
		if err := json.Unmarshal([]byte(d.Ops), &batch); err != nil {
			log.Printf("[Store] Failed to parse delta %d: %v", d.ID, err)
			continue
		}
		ops = append(ops, batch...)
	}

	return ops, nil
}

// Compact folds old delta rows into one snapshot once the board accumulates
// enough of them, keeping the most recent rows out of the fold. Safe to run in
// the background after every append.
func (s *GormStore) Compact(boardID string) {
	const triggerCount = 1000
	const keepRecentCount = 100

	var count int64
	s.db.Model(&BoardDelta{}).Where("board_id = ?", boardID).Count(&count)

	if count < triggerCount {
		return
	}
	log.Printf("[Store] Compaction triggered for board %s. Count: %d", boardID, count)

	limit := int(count) - keepRecentCount
	if limit <= 0 {
		return
	}

	var deltas []BoardDelta
	if err := s.db.Where("board_id = ?", boardID).
		Order("id ASC").
		Limit(limit).
		Find(&deltas).Error; err != nil {
		log.Printf("[Store] Failed to select deltas: %v", err)
		return
	}
	if len(deltas) == 0 {
		return
	}

	var aggregated []crdt.Op
	for _, d := range deltas {
		var batch []crdt.Op
		if err := json.Unmarshal([]byte(d.Ops), &batch); err != nil {
			continue
		}
		aggregated = append(aggregated, batch...)
	}

	data, err := json.Marshal(aggregated)
	if err != nil {
		log.Printf("[Store] Failed to marshal aggregated ops: %v", err)
		return
	}

	snap := BoardSnapshot{
		BoardID: boardID,
		Data:    string(data),
		StartID: deltas[0].ID,
		EndID:   deltas[len(deltas)-1].ID,
	}

	tx := s.db.Begin()
	if err := tx.Create(&snap).Error; err != nil {
		tx.Rollback()
		log.Printf("[Store] Failed to create snapshot: %v", err)
		return
	}

	// Rows are safe inside the snapshot; hard delete keeps replay selects fast.
	if err := tx.Where("board_id = ? AND id <= ?", boardID, snap.EndID).
		Delete(&BoardDelta{}).Error; err != nil {
		tx.Rollback()
		log.Printf("[Store] Failed to delete compacted deltas: %v", err)
		return
	}

	tx.Commit()
	log.Printf("[Store] Created snapshot %d (deltas %d-%d merged and deleted)", snap.ID, snap.StartID, snap.EndID)
}
