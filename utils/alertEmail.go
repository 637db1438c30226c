package utils

import (
	"fmt"
	"html"
	"time"

	"gopkg.in/gomail.v2"
)

// MailSender is the part of gomail.Dialer used here.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// AlertMailer e-mails operators about jobs that exhausted their retries.
type AlertMailer struct {
	sender MailSender
	from   string
	to     string
}

// NewAlertMailer returns nil when host or recipient is empty, which disables alerts.
func NewAlertMailer(host string, port int, user, pass, to string) *AlertMailer {
	if host == "" || to == "" {
		return nil
	}
	return &AlertMailer{
		sender: gomail.NewDialer(host, port, user, pass),
		from:   user,
		to:     to,
	}
}

// NewAlertMailerWithSender is used with a custom transport.
func NewAlertMailerWithSender(sender MailSender, from, to string) *AlertMailer {
	return &AlertMailer{sender: sender, from: from, to: to}
}

// SendDeadJobAlert reports a job that will not be retried again.
func (a *AlertMailer) SendDeadJobAlert(jobID, consultationID string, attempts int, cause error, at time.Time) error {
	if a == nil {
		return nil
	}
	subject := fmt.Sprintf("[psi-consulta] job %s failed after %d attempts", jobID, attempts)
	text := fmt.Sprintf("Job %s for consultation %s failed at %s after %d attempts: %v",
		jobID, consultationID, at.Format(time.RFC3339), attempts, cause)

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", a.to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)

	htmlBody := `
	<!DOCTYPE html>
	<html>
	<head>
		<title>Job failure</title>
		<style>
			body { font-family: Arial, sans-serif; background-color: #f4f4f4; }
			.container { background-color: #ffffff; margin: 20px auto; padding: 20px; border-radius: 8px; max-width: 600px; }
			.code { font-family: monospace; color: #b00020; }
		</style>
	</head>
	<body>
		<div class="container">
			<h1>Job failure</h1>
			<p>Job <span class="code">` + html.EscapeString(jobID) + `</span> for consultation
			<span class="code">` + html.EscapeString(consultationID) + `</span> gave up after ` + fmt.Sprint(attempts) + ` attempts.</p>
			<p class="code">` + html.EscapeString(fmt.Sprint(cause)) + `</p>
		</div>
	</body>
	</html>
	`
	m.AddAlternative("text/html", htmlBody)

	return a.sender.DialAndSend(m)
}
