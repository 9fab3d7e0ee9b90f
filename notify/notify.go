// Package notify implements the Notifier of section 4.7: templated
// email notifications over SMTP, decoupled from the transition logic that
// triggers them. Delivery is built on jordan-wright/email.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
)

// Logger is the minimal Printf-shaped sink this package writes delivery
// failures to, matching the injected-Logger discipline described for the
// rest of this module (section 6A): failures are logged, never propagated
// as a transition failure.
type Logger interface {
	Printf(format string, args ...interface{})
}

// nopLogger discards everything; New installs it when no logger is given.
type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// Kind enumerates the transitions of interest from section 4.7.
type Kind string

const (
	KindSubmitted                 Kind = "submitted"
	KindDone                      Kind = "done"
	KindFailed                    Kind = "failed"
	KindReused                    Kind = "reused"
	KindReuseFailed               Kind = "reuse-failed"
	KindInvalidOutputForDownstream Kind = "invalid-output-for-downstream"
)

var subjectVerbs = map[Kind]string{
	KindSubmitted:                  "submitted",
	KindDone:                       "finished",
	KindFailed:                     "failed",
	KindReused:                     "reused an existing artifact",
	KindReuseFailed:                "could not find an artifact to reuse",
	KindInvalidOutputForDownstream: "produced an artifact that cannot seed a downstream request",
}

// signatureLine is the fixed line every body ends with, identifying the
// sending service (section 4.7).
const signatureLine = "This message was sent automatically by the Gridpack Lifecycle Controller."

// Attachment is an optional file attached to a message.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentType string
}

// Sender abstracts message delivery so tests can observe what would have
// been sent without a live SMTP server. The production Sender wraps
// jordan-wright/email + net/smtp.
type Sender interface {
	Send(from string, to, cc []string, subject, body string, attachments []Attachment) error
}

// SMTPSender is the production Sender.
type SMTPSender struct {
	Host string
	Port int
	Auth smtp.Auth
}

// Send implements Sender over a real SMTP connection.
func (s *SMTPSender) Send(from string, to, cc []string, subject, body string, attachments []Attachment) error {
	e := email.NewEmail()
	e.From = from
	e.To = to
	e.Cc = cc
	e.Subject = subject
	e.Text = []byte(body)
	for _, a := range attachments {
		if _, err := e.Attach(strings.NewReader(string(a.Content)), a.Filename, a.ContentType); err != nil {
			return fmt.Errorf("attaching %s: %w", a.Filename, err)
		}
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	return e.Send(addr, s.Auth)
}

// Notifier composes and sends the templated messages of section 4.7.
type Notifier struct {
	Sender     Sender
	From       string
	CCList     []string
	Production bool
	Logger     Logger
}

// New constructs a Notifier. If logger is nil, delivery failures are
// silently discarded rather than causing a nil-pointer panic.
func New(sender Sender, from string, ccList []string, production bool, logger Logger) *Notifier {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Notifier{Sender: sender, From: from, CCList: ccList, Production: production, Logger: logger}
}

// tag implements the subject-tag rule of section 4.7.
func (n *Notifier) tag() string {
	if n.Production {
		return "[Gridpack]"
	}
	return "[Gridpack-DEV]"
}

// Notify composes a message for the given transition and attempts
// delivery. Per section 4.7, a delivery failure is logged and never
// returned: the caller's transition must not fail because an email could
// not be sent.
func (n *Notifier) Notify(kind Kind, g *gridpack.Gridpack, attachments ...Attachment) {
	subject, body := compose(n.tag(), kind, g)
	recipients := g.Users()
	if len(recipients) == 0 {
		n.Logger.Printf("notify: %s has no addressable recipients for %s, sending to cc-list only", g.ID, kind)
	}
	if err := n.Sender.Send(n.From, recipients, n.CCList, subject, body, attachments); err != nil {
		n.Logger.Printf("notify: failed to send %s notification for gridpack %s: %v", kind, g.ID, err)
	}
}

// compose implements the templated subject + body of section 4.7.
func compose(tag string, kind Kind, g *gridpack.Gridpack) (subject, body string) {
	verb := subjectVerbs[kind]
	subject = fmt.Sprintf("%s Gridpack %s (%s) %s", tag, g.ID, g.DatasetName, verb)

	var lines []string
	lines = append(lines, fmt.Sprintf("Gridpack %s (%s/%s/%s) %s.", g.ID, g.Campaign, g.Generator, g.Process, verb))
	switch kind {
	case KindDone, KindReused:
		lines = append(lines, fmt.Sprintf("Archive: %s", g.Archive))
		if g.GridpackReused != "" && g.GridpackReused != "-1" {
			lines = append(lines, fmt.Sprintf("Reused from gridpack %s.", g.GridpackReused))
		}
	case KindFailed, KindReuseFailed, KindInvalidOutputForDownstream:
		lines = append(lines, "See the system log for details.")
	}
	lines = append(lines, "", signatureLine)
	body = strings.Join(lines, "\n")
	return subject, body
}
