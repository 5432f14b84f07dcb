package email

import "log"

type Sender interface {
	Send(to, subject, html string) error
}

// StdoutSender logs mail instead of delivering it; the default when no SMTP
// relay is configured.
type StdoutSender struct{}

func (StdoutSender) Send(to, subject, html string) error {
	log.Printf("EMAIL to=%s subject=%s\n%s", to, subject, html)
	return nil
}
