package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ConversationEvent is one persisted emitter record, keyed by
// (transaction_id, sequence).
type ConversationEvent struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	TransactionID string    `gorm:"size:64;index:idx_tx_seq,unique,priority:1;not null"`
	Sequence      int64     `gorm:"index:idx_tx_seq,unique,priority:2;not null"`
	RecordType    string    `gorm:"size:128;not null"`
	TraceID       string    `gorm:"size:64"`
	SpanID        string    `gorm:"size:32"`
	Data          string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// transactionSequence holds the next sequence number per transaction. Rows
// are locked FOR UPDATE while a sequence is assigned so concurrent writers
// for the same transaction get unique, gap-free numbers.
type transactionSequence struct {
	TransactionID string `gorm:"primaryKey;size:64"`
	NextSequence  int64  `gorm:"not null"`
}

func (transactionSequence) TableName() string { return "transaction_sequences" }

// DBSink persists records into the conversation_events table.
type DBSink struct {
	db *gorm.DB
}

// NewDBSink opens the database named by url (postgres://… DSNs use the
// postgres driver, anything else is treated as a sqlite path) and migrates
// the event tables.
func NewDBSink(url string) (*DBSink, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialector = postgres.Open(url)
	} else {
		dialector = sqlite.Open(url)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	if err := db.AutoMigrate(&ConversationEvent{}, &transactionSequence{}); err != nil {
		return nil, fmt.Errorf("migrate event tables: %w", err)
	}
	return &DBSink{db: db}, nil
}

func (s *DBSink) Name() string { return "database" }

// Deliver assigns the next per-transaction sequence under a row lock and
// inserts the event in the same database transaction.
func (s *DBSink) Deliver(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record data: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, rec.TransactionID)
		if err != nil {
			return err
		}
		event := &ConversationEvent{
			TransactionID: rec.TransactionID,
			Sequence:      seq,
			RecordType:    rec.RecordType,
			TraceID:       rec.TraceID,
			SpanID:        rec.SpanID,
			Data:          string(data),
			CreatedAt:     rec.Timestamp,
		}
		return tx.Create(event).Error
	})
}

// nextSequence increments and returns the sequence counter for the
// transaction. The counter row is upserted first so concurrent first
// writers both land on the FOR UPDATE lock instead of racing the insert.
func nextSequence(tx *gorm.DB, transactionID string) (int64, error) {
	seed := transactionSequence{TransactionID: transactionID, NextSequence: 0}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, err
	}
	var row transactionSequence
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", transactionID).
		First(&row).Error; err != nil {
		return 0, err
	}
	row.NextSequence++
	if err := tx.Model(&transactionSequence{}).
		Where("transaction_id = ?", transactionID).
		Update("next_sequence", row.NextSequence).Error; err != nil {
		return 0, err
	}
	return row.NextSequence, nil
}

func (s *DBSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
