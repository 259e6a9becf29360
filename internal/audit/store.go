// Package audit persists a durable execution ledger -- one row per
// RunTask call -- independent of and outliving broker.SandboxEnv's
// in-memory session bookkeeping and on-instance retention window.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/logging"
)

// Record is one row of the execution audit ledger.
type Record struct {
	ID              uint      `gorm:"primaryKey"`
	SessionID       string    `gorm:"index"`
	TaskHash        string    `gorm:"index"`
	Runtime         string
	Success         bool
	ReturnCode      int
	ExecutionTimeMS int64
	ErrorMessage    string
	CreatedAt       time.Time `gorm:"index"`
}

// Store is a gorm-backed broker.AuditSink implementation.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db, auto-migrating the Record schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Record implements broker.AuditSink. A write failure is logged and
// swallowed -- the audit ledger must never affect a caller's result.
func (s *Store) Record(ctx context.Context, sessionID string, result broker.ExecutionResult) {
	row := Record{
		SessionID:       sessionID,
		TaskHash:        result.TaskHash,
		Runtime:         result.Runtime,
		Success:         result.Success,
		ReturnCode:      result.ReturnCode,
		ExecutionTimeMS: int64(result.ExecutionTimeSec * 1000),
		ErrorMessage:    result.ErrorMessage,
		CreatedAt:       time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		logging.L().Warn("audit write failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Recent returns the most recent limit audit rows for a session,
// newest first, backing the optional task-history field on
// check_sandbox_status output.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	var rows []Record
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
