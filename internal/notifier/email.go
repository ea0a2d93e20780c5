// Package notifier contains the e-mail side-effect subscribers. Delivery
// is at-least-once, so every handler here tolerates being replayed:
// sending the same transactional mail twice is accepted as harmless.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/pkg/logger"
)

// ServiceName identifies this subscriber in the service registry.
const ServiceName = "email-notifier"

// Mailer sends a single message.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SMTPMailer sends mail through gomail.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}

// EmailNotifier subscribes e-mail side effects to domain events.
type EmailNotifier struct {
	mailer Mailer
	logger *logger.Logger
}

func NewEmailNotifier(mailer Mailer, log *logger.Logger) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, logger: log}
}

// Register declares the service and wires its handlers.
func (n *EmailNotifier) Register(reg *registry.Registry) error {
	if err := reg.RegisterService(ServiceName, []string{"email"}, []string{"user.created", "booking.confirmed"}); err != nil {
		return err
	}
	if err := reg.Subscribe("user.created", n.HandleUserCreated); err != nil {
		return err
	}
	return reg.Subscribe("booking.confirmed", n.HandleBookingConfirmed)
}

type userCreatedPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (n *EmailNotifier) HandleUserCreated(ctx context.Context, rec *model.EventRecord) error {
	var payload userCreatedPayload
	if err := json.Unmarshal(rec.Data, &payload); err != nil {
		return fmt.Errorf("invalid user.created payload: %w", err)
	}
	if payload.Email == "" {
		return fmt.Errorf("user.created payload has no email")
	}

	body := fmt.Sprintf("Welcome%s! Your back office account is ready.", nameSuffix(payload.Name))
	if err := n.mailer.Send(payload.Email, "Welcome aboard", body); err != nil {
		return err
	}
	n.logger.Debug("welcome mail sent", "event_id", rec.ID, "to", payload.Email)
	return nil
}

type bookingConfirmedPayload struct {
	Email     string `json:"email"`
	Reference string `json:"reference"`
	CheckIn   string `json:"check_in"`
}

func (n *EmailNotifier) HandleBookingConfirmed(ctx context.Context, rec *model.EventRecord) error {
	var payload bookingConfirmedPayload
	if err := json.Unmarshal(rec.Data, &payload); err != nil {
		return fmt.Errorf("invalid booking.confirmed payload: %w", err)
	}
	if payload.Email == "" {
		return fmt.Errorf("booking.confirmed payload has no email")
	}

	body := fmt.Sprintf("Your booking %s is confirmed for %s.", payload.Reference, payload.CheckIn)
	if err := n.mailer.Send(payload.Email, "Booking confirmed", body); err != nil {
		return err
	}
	n.logger.Debug("booking confirmation sent", "event_id", rec.ID, "to", payload.Email)
	return nil
}

func nameSuffix(name string) string {
	if name == "" {
		return ""
	}
	return ", " + name
}
