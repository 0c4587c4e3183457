package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionCreditAdjust = "credit.adjust"
	ActionAdminGrant   = "admin.grant"

	TargetTypeCreditBalance = "credit_balance"
	TargetTypeUser          = "user"
)

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidTarget = errors.New("invalid_target")
)

type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	ActorID    *string           `json:"actor_id,omitempty" gorm:"type:text"`
	Action     string            `json:"action" gorm:"type:varchar(64);not null"`
	TargetType string            `json:"target_type" gorm:"type:varchar(64);not null;index:idx_audit_logs_target,priority:1"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"type:varchar(191);index:idx_audit_logs_target,priority:2"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"not null"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	ListByTarget(ctx context.Context, db *gorm.DB, targetType, targetID string, limit int) ([]AuditLog, error)
}

type Service interface {
	// AuditLog records an action. The actor falls back to the user on ctx.
	AuditLog(ctx context.Context, actorID, action, targetType, targetID string, metadata map[string]any) error
	ListByTarget(ctx context.Context, targetType, targetID string, limit int) ([]AuditLog, error)
}
