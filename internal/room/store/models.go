// Package store provides the default GORM/SQLite implementation of the
// room broker's persistent-store contract (rooms, participants, the session
// pool, shared panel state, and invitations). spec.md declares this contract
// abstract; a concrete backing store is still required to run standalone.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel mirrors the teacher's shared persistent-model fields.
type BaseModel struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID primary key when the caller did not supply one.
func (m *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Room is a persistent collaboration space: a fixed owner plus an
// authenticated participant list and a shared two-panel view over sessions.
type Room struct {
	BaseModel

	OwnerSubject string `gorm:"index;not null"`
	OwnerLogin   string

	ArchivedAt *time.Time

	Participants []Participant `gorm:"foreignKey:RoomID"`
	Pool         []PoolEntry   `gorm:"foreignKey:RoomID"`
	Panel        *PanelState   `gorm:"foreignKey:RoomID"`
}

// Participant is an authenticated member of a Room.
type Participant struct {
	BaseModel

	RoomID  string `gorm:"index;not null"`
	Subject string `gorm:"index;not null"`
	Login   string
}

// PoolEntry is one session surfaced inside a room's shared pool, independent
// of which participant owns the underlying session.
type PoolEntry struct {
	BaseModel

	RoomID      string `gorm:"index;not null"`
	SessionID   string `gorm:"index;not null"`
	AddedBy     string
	Hostname    string
	WorkingDir  string
	Online      bool
	ClosedAt    *time.Time
	CloseReason string
}

// PanelState is the shared two-panel view's current selection.
type PanelState struct {
	BaseModel

	RoomID            string `gorm:"uniqueIndex;not null"`
	LeftSessionID     string
	LeftTerminalName  string
	RightSessionID    string
	RightTerminalName string
}

// Invitation is a pending or resolved invite to join a Room.
type Invitation struct {
	BaseModel

	RoomID      string `gorm:"index;not null"`
	InvitedBy   string
	InviteeSub  string
	Status      string // pending|accepted|declined|revoked
	RespondedAt *time.Time
}

// AutoMigrate creates or updates every table the store needs.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Room{}, &Participant{}, &PoolEntry{}, &PanelState{}, &Invitation{})
}
