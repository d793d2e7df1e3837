package notifications

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func testSMTPConfig() config.SMTPConfig {
	return config.SMTPConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "noreply@example.com",
	}
}

type capturedMail struct {
	to  []string
	msg string
}

func newCapturingService(t *testing.T) (*EmailService, *[]capturedMail) {
	t.Helper()
	svc, err := NewEmailService(testSMTPConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sent []capturedMail
	svc.deliver = func(to []string, msg []byte) error {
		sent = append(sent, capturedMail{to: to, msg: string(msg)})
		return nil
	}
	return svc, &sent
}

func TestNewEmailService_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  config.SMTPConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			config: testSMTPConfig(),
		},
		{
			name:    "missing host",
			config:  config.SMTPConfig{Port: 587, From: "test@example.com"},
			wantErr: true,
			errMsg:  "smtp host is required",
		},
		{
			name:    "missing port",
			config:  config.SMTPConfig{Host: "smtp.example.com", From: "test@example.com"},
			wantErr: true,
			errMsg:  "smtp port is required",
		},
		{
			name:    "missing from",
			config:  config.SMTPConfig{Host: "smtp.example.com", Port: 587},
			wantErr: true,
			errMsg:  "smtp from address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewEmailService(tt.config, zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got: %v", tt.errMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if svc == nil {
				t.Fatal("expected non-nil service")
			}
		})
	}
}

func TestEmailService_BuildMessage(t *testing.T) {
	svc, _ := newCapturingService(t)

	msg := string(svc.buildMessage([]string{"user@example.com"}, "Test Subject", "<h1>Hello</h1>"))

	for _, want := range []string{
		"From: noreply@example.com",
		"To: user@example.com",
		"Subject: Test Subject",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=\"UTF-8\"",
		"<h1>Hello</h1>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestEmailService_NotifyBackupReady(t *testing.T) {
	svc, sent := newCapturingService(t)
	expires := time.Date(2026, 4, 8, 0, 0, 0, 0, time.UTC)

	data := BackupReadyData{
		To:          "user@example.com",
		Handle:      "example",
		Kind:        models.BackupKindSnapshot,
		BackupID:    uuid.MustParse("0b3f6c1e-5d2a-4e7b-9c8d-1a2b3c4d5e6f"),
		Posts:       120,
		Followers:   40,
		MediaFiles:  17,
		TotalBytes:  3 << 20,
		Partial:     true,
		CompletedAt: time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
		ExpiresAt:   &expires,
	}

	if err := svc.NotifyBackupReady(context.Background(), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(*sent))
	}

	mail := (*sent)[0]
	if len(mail.to) != 1 || mail.to[0] != "user@example.com" {
		t.Errorf("unexpected recipients %v", mail.to)
	}
	for _, want := range []string{
		"Subject: Your backup of @example is ready",
		"@example",
		"Apr 1, 2026 at 09:30 UTC",
		"3.0 MiB",
		"partial",
		"Apr 8, 2026",
		"0b3f6c1e-5d2a-4e7b-9c8d-1a2b3c4d5e6f",
	} {
		if !strings.Contains(mail.msg, want) {
			t.Errorf("email missing %q", want)
		}
	}
	if strings.Contains(mail.msg, "Replies") {
		t.Error("empty counts should not be rendered")
	}
}

func TestEmailService_NotifyBackupReady_NoRecipient(t *testing.T) {
	svc, sent := newCapturingService(t)

	if err := svc.NotifyBackupReady(context.Background(), BackupReadyData{BackupID: uuid.New()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*sent) != 0 {
		t.Errorf("expected no email, got %d", len(*sent))
	}
}

func TestEmailService_NotifyBackupReady_DeliveryError(t *testing.T) {
	svc, _ := newCapturingService(t)
	svc.deliver = func([]string, []byte) error { return errors.New("connection refused") }

	err := svc.NotifyBackupReady(context.Background(), BackupReadyData{To: "user@example.com", CompletedAt: time.Now()})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if !strings.Contains(err.Error(), "send email") {
		t.Errorf("expected send error, got: %v", err)
	}
}

func TestEmailService_ConnectionError(t *testing.T) {
	for _, useTLS := range []bool{false, true} {
		cfg := config.SMTPConfig{
			Host:   "localhost",
			Port:   19999, // nothing listening here
			From:   "noreply@example.com",
			UseTLS: useTLS,
		}
		svc, err := NewEmailService(cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		err = svc.NotifyBackupReady(context.Background(), BackupReadyData{To: "user@example.com", CompletedAt: time.Now()})
		if err == nil {
			t.Fatalf("expected connection error (tls=%v)", useTLS)
		}
		if strings.Contains(err.Error(), "execute template") {
			t.Errorf("unexpected template error: %v", err)
		}
	}
}

func TestReadyDataFor(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	expires := now.Add(7 * 24 * time.Hour)

	b := models.NewBackup(uuid.New(), models.BackupKindSnapshot, now)
	b.Payload = models.BackupPayload{
		Profile:   &models.Profile{Handle: "example"},
		Timeline:  make([]models.Post, 3),
		Replies:   make([]models.Post, 2),
		Followers: make([]models.Account, 5),
		Storage:   &models.StorageBreakdown{TotalBytes: 2048},
		Scrape:    &models.ScrapeMeta{Partial: true},
		Retention: &models.Retention{Mode: models.RetentionGuest, ExpiresAt: &expires},
	}

	data := ReadyDataFor("user@example.com", b, 9, now)
	if data.Handle != "example" || data.Posts != 3 || data.Replies != 2 || data.Followers != 5 {
		t.Errorf("unexpected counts %+v", data)
	}
	if data.MediaFiles != 9 || data.TotalBytes != 2048 || !data.Partial {
		t.Errorf("unexpected media/storage data %+v", data)
	}
	if data.ExpiresAt == nil || !data.ExpiresAt.Equal(expires) {
		t.Errorf("expected guest expiry %v, got %v", expires, data.ExpiresAt)
	}
	if data.KindLabel() != "snapshot" {
		t.Errorf("unexpected kind label %q", data.KindLabel())
	}
	if data.Size() != "2.0 KiB" {
		t.Errorf("unexpected size %q", data.Size())
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	if err := n.NotifyBackupReady(context.Background(), BackupReadyData{BackupID: uuid.New()}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
