package domain

import (
	"time"

	"github.com/google/uuid"
)

// Audit is embedded by every persisted entity.
type Audit struct {
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreateBy         string     `json:"create_by"`
	ModifyBy         string     `json:"modify_by"`
	RemoveBy         *string    `json:"remove_by,omitempty"`
	ConcurrencyStamp string     `json:"concurrency_stamp"`
	Partition        int        `json:"partition"`
}

// NewAudit returns creation metadata with a fresh stamp.
func NewAudit(now time.Time, actorID string, partition int) Audit {
	now = now.UTC()
	return Audit{
		CreatedAt:        now,
		UpdatedAt:        now,
		CreateBy:         actorID,
		ModifyBy:         actorID,
		ConcurrencyStamp: NewStamp(),
		Partition:        partition,
	}
}

// NewStamp issues an opaque concurrency token.
func NewStamp() string {
	return uuid.NewString()
}

// Touch re-stamps the row for an update.
func (a *Audit) Touch(now time.Time, actorID string) {
	a.UpdatedAt = now.UTC()
	a.ModifyBy = actorID
	a.ConcurrencyStamp = NewStamp()
}

// MarkRemoved soft-deletes the row.
func (a *Audit) MarkRemoved(now time.Time, actorID string) {
	a.Touch(now, actorID)
	ts := now.UTC()
	a.DeletedAt = &ts
	a.RemoveBy = &actorID
}

func (a Audit) Removed() bool {
	return a.DeletedAt != nil
}
