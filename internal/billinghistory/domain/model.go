package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	KindInvoice  = "invoice"
	KindCheckout = "checkout"
)

var (
	ErrInvalidEntry  = errors.New("invalid_billing_history_entry")
	ErrInvalidUserID = errors.New("invalid_user_id")
)

// Entry is a display-only mirror of a paid provider document. ExternalID is
// unique so repeated passes never add duplicate rows.
type Entry struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	UserID         string       `json:"user_id" gorm:"type:varchar(191);not null;index:idx_billing_history_user_occurred,priority:1"`
	ExternalID     string       `json:"external_id" gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_history_external_id"`
	Kind           string       `json:"kind" gorm:"type:varchar(16);not null"`
	SubscriptionID *string      `json:"subscription_id,omitempty" gorm:"type:text"`
	Amount         int64        `json:"amount" gorm:"not null"`
	Currency       string       `json:"currency" gorm:"type:varchar(8);not null"`
	URL            *string      `json:"url,omitempty" gorm:"type:text"`
	OccurredAt     time.Time    `json:"occurred_at" gorm:"not null;index:idx_billing_history_user_occurred,priority:2"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
}

func (Entry) TableName() string { return "billing_history" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]Entry, error)
}

type Service interface {
	// Record reports whether a new row was written.
	Record(ctx context.Context, req RecordRequest) (bool, error)
	List(ctx context.Context, userID string) ([]Entry, error)
}

type RecordRequest struct {
	UserID         string
	ExternalID     string
	Kind           string
	SubscriptionID string
	Amount         int64
	Currency       string
	URL            string
	OccurredAt     time.Time
}
