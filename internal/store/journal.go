package store

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Kind string

const (
	KindConnected     Kind = "connected"
	KindConnectFailed Kind = "connect_failed"
	KindSent          Kind = "sent"
	KindReceived      Kind = "received"
	KindLost          Kind = "lost"
	KindDisconnected  Kind = "disconnected"
)

type Entry struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Address   string `gorm:"index;not null"`
	Kind      Kind   `gorm:"not null"`
	Payload   []byte
	Detail    string
	CreatedAt time.Time
}

// Journal appends entries tagged with the id of the daemon run that wrote
// them.
type Journal struct {
	db        *gorm.DB
	sessionID string
}

func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db, sessionID: uuid.NewString()}
}

func (j *Journal) SessionID() string { return j.sessionID }

func (j *Journal) Record(ctx context.Context, addr string, kind Kind, payload []byte, detail string) error {
	e := Entry{
		SessionID: j.sessionID,
		Address:   addr,
		Kind:      kind,
		Payload:   payload,
		Detail:    detail,
	}
	return j.db.WithContext(ctx).Create(&e).Error
}

// History returns the latest limit entries for addr, oldest first. A limit of
// zero or less returns everything.
func (j *Journal) History(ctx context.Context, addr string, limit int) ([]Entry, error) {
	var entries []Entry
	q := j.db.WithContext(ctx).Where("address = ?", addr).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
