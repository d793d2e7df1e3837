package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewBackup(t *testing.T) {
	userID := uuid.New()
	now := time.Now()

	backup := NewBackup(userID, BackupKindSnapshot, now)

	if backup.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if backup.UserID != userID {
		t.Errorf("expected UserID %v, got %v", userID, backup.UserID)
	}
	if backup.Kind != BackupKindSnapshot {
		t.Errorf("expected Kind %s, got %s", BackupKindSnapshot, backup.Kind)
	}
	if backup.IsGuest() {
		t.Error("expected backup without retention marker not to be guest")
	}
}

func TestBackup_IsGuest(t *testing.T) {
	expires := time.Now().Add(24 * time.Hour)
	backup := NewBackup(uuid.New(), BackupKindArchive, time.Now())
	backup.Payload.Retention = &Retention{Mode: RetentionGuest, ExpiresAt: &expires}
	if !backup.IsGuest() {
		t.Error("expected guest backup")
	}
	backup.Payload.Retention = &Retention{Mode: RetentionAccount}
	if backup.IsGuest() {
		t.Error("expected account backup")
	}
}

func TestDecodeBackupPayload(t *testing.T) {
	data := []byte(`{"timeline":[{"id":"1","text":"hi","media":[{"kind":"photo","url":"https://x/1.jpg"}]}],"stats":{"posts":1}}`)
	p, err := DecodeBackupPayload(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Timeline) != 1 || len(p.Timeline[0].Media) != 1 {
		t.Fatalf("unexpected timeline %+v", p.Timeline)
	}
	if p.Timeline[0].Media[0].Kind != MediaKindPhoto {
		t.Errorf("expected photo, got %s", p.Timeline[0].Media[0].Kind)
	}

	empty, err := DecodeBackupPayload([]byte("null"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty.Profile != nil || len(empty.Timeline) != 0 {
		t.Error("expected empty payload")
	}
}
