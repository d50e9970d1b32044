package services

import (
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"verifyhub/internal/models"
)

// AlertService tells operators about provider trouble.
type AlertService interface {
	BreakerOpened(state models.BreakerState) error
}

type emailAlertService struct {
	dialer *gomail.Dialer
	from   string
	to     string
}

// NewAlertService mails alerts through SMTP. Without an SMTP host or a
// recipient alerts only go to the log.
func NewAlertService(smtpHost string, smtpPort int, smtpUser, smtpPassword, fromEmail, toEmail string) AlertService {
	if smtpHost == "" || toEmail == "" {
		return logAlertService{}
	}
	return &emailAlertService{
		dialer: gomail.NewDialer(smtpHost, smtpPort, smtpUser, smtpPassword),
		from:   fromEmail,
		to:     toEmail,
	}
}

func (s *emailAlertService) BreakerOpened(state models.BreakerState) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to)
	m.SetHeader("Subject", fmt.Sprintf("[verifyhub] circuit open: %s", state.Endpoint))

	openedAt := "unknown"
	if state.OpenedAt != nil {
		openedAt = state.OpenedAt.Format(time.RFC3339)
	}
	body := fmt.Sprintf(`
		<h3>Provider endpoint %s is failing</h3>
		<p>The circuit breaker opened at %s after %d consecutive failures.</p>
		<p>Calls to this endpoint fail fast until a probe succeeds. It can be reset from
		<code>POST /admin/breakers/%s/reset</code>.</p>
	`, state.Endpoint, openedAt, state.ConsecutiveFailures, state.Endpoint)

	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send breaker alert: %w", err)
	}
	return nil
}

type logAlertService struct{}

func (logAlertService) BreakerOpened(state models.BreakerState) error {
	logger.Errorf("[alert][breaker] endpoint=%s opened after %d failures", state.Endpoint, state.ConsecutiveFailures)
	return nil
}
