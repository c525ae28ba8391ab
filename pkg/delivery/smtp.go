package delivery

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers reports as plain-text mail through an SMTP relay.
type SMTPSender struct {
	addr string
	from string

	// sendMail is swappable for tests.
	sendMail func(addr, from string, to []string, msg []byte) error
}

// NewSMTPSender returns a sender using the relay at addr (host:port).
func NewSMTPSender(addr, from string) *SMTPSender {
	return &SMTPSender{
		addr: addr,
		from: from,
		sendMail: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Name implements Sender.
func (s *SMTPSender) Name() string { return "smtp" }

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, meetingID string, recipients []string, subject string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for meeting %s", meetingID)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.Write(body)

	if err := s.sendMail(s.addr, s.from, recipients, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send for meeting %s: %w", meetingID, err)
	}
	return nil
}
