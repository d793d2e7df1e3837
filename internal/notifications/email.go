// Package notifications sends user-facing notifications about finished backups.
package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"time"

	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

//go:embed templates/*.html
var templateFS embed.FS

// Notifier delivers the backup-ready notification.
type Notifier interface {
	NotifyBackupReady(ctx context.Context, data BackupReadyData) error
}

// BackupReadyData holds data for the backup ready email template.
type BackupReadyData struct {
	To          string
	Handle      string
	Kind        models.BackupKind
	BackupID    uuid.UUID
	Posts       int
	Replies     int
	Followers   int
	Following   int
	MediaFiles  int
	TotalBytes  int64
	Partial     bool
	CompletedAt time.Time
	ExpiresAt   *time.Time
}

// KindLabel is the human-readable backup kind.
func (d BackupReadyData) KindLabel() string {
	if d.Kind == models.BackupKindArchive {
		return "archive"
	}
	return "snapshot"
}

// Size is the formatted storage use.
func (d BackupReadyData) Size() string {
	if d.TotalBytes <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(d.TotalBytes))
}

// ReadyDataFor collects the template data of a finished backup.
func ReadyDataFor(to string, b *models.Backup, mediaFiles int, completedAt time.Time) BackupReadyData {
	data := BackupReadyData{
		To:          to,
		Kind:        b.Kind,
		BackupID:    b.ID,
		Posts:       len(b.Payload.Timeline),
		Replies:     len(b.Payload.Replies),
		Followers:   len(b.Payload.Followers),
		Following:   len(b.Payload.Following),
		MediaFiles:  mediaFiles,
		CompletedAt: completedAt.UTC(),
	}
	if b.Payload.Profile != nil {
		data.Handle = b.Payload.Profile.Handle
	}
	if b.Payload.Storage != nil {
		data.TotalBytes = b.Payload.Storage.TotalBytes
	}
	if b.Payload.Scrape != nil {
		data.Partial = b.Payload.Scrape.Partial
	}
	if b.IsGuest() {
		data.ExpiresAt = b.Payload.Retention.ExpiresAt
	}
	return data
}

func validateSMTP(c config.SMTPConfig) error {
	if c.Host == "" {
		return errors.New("smtp host is required")
	}
	if c.Port == 0 {
		return errors.New("smtp port is required")
	}
	if c.From == "" {
		return errors.New("smtp from address is required")
	}
	return nil
}

// EmailService handles sending email notifications
type EmailService struct {
	config    config.SMTPConfig
	templates *template.Template
	deliver   func(to []string, msg []byte) error
	logger    zerolog.Logger
}

// NewEmailService creates a new email service
func NewEmailService(cfg config.SMTPConfig, logger zerolog.Logger) (*EmailService, error) {
	if err := validateSMTP(cfg); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}

	s := &EmailService{
		config:    cfg,
		templates: tmpl,
		logger:    logger.With().Str("component", "email_service").Logger(),
	}
	s.deliver = s.dial
	return s, nil
}

// NotifyBackupReady sends the backup ready email. Data without a recipient is
// skipped.
func (s *EmailService) NotifyBackupReady(ctx context.Context, data BackupReadyData) error {
	if data.To == "" {
		s.logger.Debug().Str("backup_id", data.BackupID.String()).Msg("no recipient, skipping backup ready email")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := "Your backup is ready"
	if data.Handle != "" {
		subject = fmt.Sprintf("Your backup of @%s is ready", data.Handle)
	}
	return s.sendTemplate([]string{data.To}, subject, "backup_ready.html", data)
}

// sendTemplate renders a template and sends the email
func (s *EmailService) sendTemplate(to []string, subject, templateName string, data any) error {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("execute template %s: %w", templateName, err)
	}

	return s.send(to, subject, body.String())
}

func (s *EmailService) send(to []string, subject, htmlBody string) error {
	s.logger.Debug().
		Strs("to", to).
		Str("subject", subject).
		Msg("sending email")

	if err := s.deliver(to, s.buildMessage(to, subject, htmlBody)); err != nil {
		s.logger.Error().
			Err(err).
			Strs("to", to).
			Str("subject", subject).
			Msg("failed to send email")
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info().
		Strs("to", to).
		Str("subject", subject).
		Msg("email sent successfully")

	return nil
}

// buildMessage constructs the email message with headers
func (s *EmailService) buildMessage(to []string, subject, htmlBody string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&buf, "To: %s\r\n", to[0])
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(htmlBody)
	return buf.Bytes()
}

func (s *EmailService) dial(to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if s.config.UseTLS {
		return s.sendTLS(addr, to, msg)
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	return smtp.SendMail(addr, auth, s.config.From, to, msg)
}

// sendTLS sends email over implicit TLS (port 465)
func (s *EmailService) sendTLS(addr string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err = client.Mail(s.config.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, recipient := range to {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close message writer: %w", err)
	}

	return client.Quit()
}

// LogNotifier records notifications in the log when no mail server is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

// NotifyBackupReady logs the notification.
func (n *LogNotifier) NotifyBackupReady(_ context.Context, data BackupReadyData) error {
	n.logger.Info().
		Str("backup_id", data.BackupID.String()).
		Str("to", data.To).
		Str("kind", string(data.Kind)).
		Int64("total_bytes", data.TotalBytes).
		Msg("backup ready")
	return nil
}
