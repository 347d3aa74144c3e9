// Package email delivers out-of-band security alert mail.
package email

import "context"

// Sender is implemented by mail providers
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a mail to one or more recipients
type Message struct {
	To       []string
	Subject  string
	HTMLBody string
	TextBody string
}
