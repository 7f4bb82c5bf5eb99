package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// GormStore is the default, non-external implementation of Store, modelled
// after the teacher's internal/cache.DatabaseStore: every method opens its
// own short transaction or query against a shared *gorm.DB handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a Store backed by the supplied database handle.
// Callers typically obtain db via OpenSQLite.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetRoom(ctx context.Context, roomID string) (RoomRecord, error) {
	var room Room
	if err := s.db.WithContext(ctx).Take(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RoomRecord{}, ErrNotFound
		}
		return RoomRecord{}, err
	}
	return toRoomRecord(room), nil
}

func (s *GormStore) CreateRoom(ctx context.Context, ownerSubject, ownerLogin string) (RoomRecord, error) {
	room := Room{OwnerSubject: ownerSubject, OwnerLogin: ownerLogin}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		return RoomRecord{}, err
	}
	return toRoomRecord(room), nil
}

func (s *GormStore) ArchiveRoom(ctx context.Context, roomID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Update("archived_at", &now).Error
}

func (s *GormStore) IsRoomMember(ctx context.Context, roomID, subject string) (bool, error) {
	var room Room
	if err := s.db.WithContext(ctx).Take(&room, "id = ?", roomID).Error; err == nil && room.OwnerSubject == subject {
		return true, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND subject = ?", roomID, subject).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) ListParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error) {
	var rows []Participant
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ParticipantRecord, len(rows))
	for i, p := range rows {
		out[i] = ParticipantRecord{Subject: p.Subject, Login: p.Login}
	}
	return out, nil
}

func (s *GormStore) AddParticipant(ctx context.Context, roomID, subject, login string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Participant{}).Where("room_id = ? AND subject = ?", roomID, subject).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.Create(&Participant{RoomID: roomID, Subject: subject, Login: login}).Error
	})
}

func (s *GormStore) GetPool(ctx context.Context, roomID string) ([]PoolEntryRecord, error) {
	var rows []PoolEntry
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PoolEntryRecord, len(rows))
	for i, e := range rows {
		out[i] = toPoolRecord(e)
	}
	return out, nil
}

func (s *GormStore) AddToPool(ctx context.Context, roomID, sessionID, addedBy, hostname, workingDir string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PoolEntry
		err := tx.Take(&existing, "room_id = ? AND session_id = ?", roomID, sessionID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&PoolEntry{
				RoomID: roomID, SessionID: sessionID, AddedBy: addedBy,
				Hostname: hostname, WorkingDir: workingDir, Online: true,
			}).Error
		case err != nil:
			return err
		default:
			existing.Online = true
			existing.ClosedAt = nil
			existing.CloseReason = ""
			return tx.Save(&existing).Error
		}
	})
}

func (s *GormStore) RemoveFromPool(ctx context.Context, roomID, sessionID string) error {
	return s.db.WithContext(ctx).Where("room_id = ? AND session_id = ?", roomID, sessionID).Delete(&PoolEntry{}).Error
}

func (s *GormStore) MarkPoolSessionClosed(ctx context.Context, roomID, sessionID string, graceful bool, reason string) error {
	now := time.Now()
	if graceful {
		reason = "closed"
	}
	return s.db.WithContext(ctx).Model(&PoolEntry{}).
		Where("room_id = ? AND session_id = ?", roomID, sessionID).
		Updates(map[string]any{"online": false, "closed_at": &now, "close_reason": reason}).Error
}

func (s *GormStore) MarkPoolSessionOnline(ctx context.Context, roomID, sessionID string) error {
	return s.db.WithContext(ctx).Model(&PoolEntry{}).
		Where("room_id = ? AND session_id = ?", roomID, sessionID).
		Updates(map[string]any{"online": true, "closed_at": nil, "close_reason": ""}).Error
}

func (s *GormStore) GetSharedPanelState(ctx context.Context, roomID string) (PanelStateRecord, error) {
	var panel PanelState
	err := s.db.WithContext(ctx).Take(&panel, "room_id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PanelStateRecord{}, nil
	}
	if err != nil {
		return PanelStateRecord{}, err
	}
	return PanelStateRecord{
		LeftSessionID: panel.LeftSessionID, LeftTerminalName: panel.LeftTerminalName,
		RightSessionID: panel.RightSessionID, RightTerminalName: panel.RightTerminalName,
	}, nil
}

func (s *GormStore) SetSharedPanelState(ctx context.Context, roomID, panel, sessionID, terminalName string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row PanelState
		err := tx.Take(&row, "room_id = ?", roomID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = PanelState{RoomID: roomID}
		} else if err != nil {
			return err
		}

		switch panel {
		case "left":
			row.LeftSessionID, row.LeftTerminalName = sessionID, terminalName
		case "right":
			row.RightSessionID, row.RightTerminalName = sessionID, terminalName
		}

		if row.ID == "" {
			return tx.Create(&row).Error
		}
		return tx.Save(&row).Error
	})
}

func (s *GormStore) ListPendingInvitations(ctx context.Context, roomID string) ([]InvitationRecord, error) {
	var rows []Invitation
	if err := s.db.WithContext(ctx).Where("room_id = ? AND status = ?", roomID, "pending").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]InvitationRecord, len(rows))
	for i, inv := range rows {
		out[i] = toInvitationRecord(inv)
	}
	return out, nil
}

func (s *GormStore) CreateInvitation(ctx context.Context, roomID, invitedBy, inviteeSubject string) (InvitationRecord, error) {
	inv := Invitation{RoomID: roomID, InvitedBy: invitedBy, InviteeSub: inviteeSubject, Status: "pending"}
	if err := s.db.WithContext(ctx).Create(&inv).Error; err != nil {
		return InvitationRecord{}, err
	}
	return toInvitationRecord(inv), nil
}

func (s *GormStore) ResolveInvitation(ctx context.Context, invitationID, status string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Invitation{}).
		Where("id = ?", invitationID).
		Updates(map[string]any{"status": status, "responded_at": &now}).Error
}

func (s *GormStore) RoomsForSession(ctx context.Context, sessionID string) ([]string, error) {
	var rows []PoolEntry
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, e := range rows {
		out[i] = e.RoomID
	}
	return out, nil
}

func toRoomRecord(r Room) RoomRecord {
	return RoomRecord{ID: r.ID, OwnerSubject: r.OwnerSubject, OwnerLogin: r.OwnerLogin, CreatedAt: r.CreatedAt, ArchivedAt: r.ArchivedAt}
}

func toPoolRecord(e PoolEntry) PoolEntryRecord {
	return PoolEntryRecord{
		SessionID: e.SessionID, AddedBy: e.AddedBy, Hostname: e.Hostname, WorkingDir: e.WorkingDir,
		Online: e.Online, ClosedAt: e.ClosedAt, CloseReason: e.CloseReason,
	}
}

func toInvitationRecord(inv Invitation) InvitationRecord {
	return InvitationRecord{ID: inv.ID, RoomID: inv.RoomID, InvitedBy: inv.InvitedBy, InviteeSub: inv.InviteeSub, Status: inv.Status}
}
