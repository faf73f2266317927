package adapter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/wneessen/go-mail"

	"github.com/registrar-challenger/internal/config"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

const secondChallengeSubject = "W3F Registrar Verification"

// EmailAdapter polls an IMAP inbox for verification mail and sends the
// second challenge over SMTP. Each poll opens a fresh IMAP session; the
// interval is long enough that connection reuse buys nothing.
type EmailAdapter struct {
	cfg  config.EmailConfig
	sink MessageSink
	log  *logging.Logger
}

// NewEmailAdapter creates the email adapter
func NewEmailAdapter(cfg config.EmailConfig, sink MessageSink) *EmailAdapter {
	return &EmailAdapter{
		cfg:  cfg,
		sink: sink,
		log:  logging.GetGlobalLogger().WithField("component", "email"),
	}
}

// Run polls the inbox until the context is cancelled
func (a *EmailAdapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()

	for {
		if err := a.poll(ctx); err != nil {
			a.log.WithError(err).Error("Inbox poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll reads unseen messages and hands them to the core. Messages are marked
// seen after delivery; a crash in between redelivers, which the core's
// Message-Id dedup absorbs.
func (a *EmailAdapter) poll(ctx context.Context) error {
	client, err := imapclient.DialTLS(a.cfg.IMAPServer, nil)
	if err != nil {
		return apperrors.NewAdapterTransientError("email", fmt.Errorf("failed to dial IMAP server: %w", err))
	}
	defer func() { _ = client.Logout() }()

	if err := client.Login(a.cfg.User, a.cfg.Password); err != nil {
		return apperrors.NewAdapterFatalError("email", fmt.Errorf("IMAP login rejected: %w", err))
	}

	if _, err := client.Select(a.cfg.Inbox, false); err != nil {
		return apperrors.NewAdapterTransientError("email", fmt.Errorf("failed to select %s: %w", a.cfg.Inbox, err))
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := client.Search(criteria)
	if err != nil {
		return apperrors.NewAdapterTransientError("email", fmt.Errorf("failed to search inbox: %w", err))
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}
	messages := make(chan *imap.Message, len(ids))
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- client.Fetch(seqset, items, messages)
	}()

	delivered := new(imap.SeqSet)
	for msg := range messages {
		if err := a.deliver(ctx, msg, section); err != nil {
			a.log.WithError(err).Error("Failed to deliver inbound mail")
			continue
		}
		delivered.AddNum(msg.SeqNum)
	}
	if err := <-fetchErr; err != nil {
		return apperrors.NewAdapterTransientError("email", fmt.Errorf("failed to fetch messages: %w", err))
	}

	if !delivered.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := client.Store(delivered, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			a.log.WithError(err).Warn("Failed to mark messages seen")
		}
	}
	return nil
}

func (a *EmailAdapter) deliver(ctx context.Context, msg *imap.Message, section *imap.BodySectionName) error {
	if msg.Envelope == nil || len(msg.Envelope.From) == 0 {
		return fmt.Errorf("message %d has no sender envelope", msg.SeqNum)
	}
	from := msg.Envelope.From[0].Address()
	messageID := msg.Envelope.MessageId
	if messageID == "" {
		// No stable dedup key; synthesize one from the envelope.
		messageID = fmt.Sprintf("%s/%d", from, msg.Envelope.Date.Unix())
	}

	body, err := readBody(msg, section)
	if err != nil {
		return err
	}

	return a.sink.HandleMessage(ctx, models.ExternalMessage{
		Adapter:   types.AdapterEmail,
		Origin:    strings.ToLower(from),
		MessageID: messageID,
		Body:      body,
		Timestamp: msg.Envelope.Date,
	})
}

// readBody returns the raw message text after the header block. Token
// matching is a substring search, so MIME structure does not matter.
func readBody(msg *imap.Message, section *imap.BodySectionName) (string, error) {
	literal := msg.GetBody(section)
	if literal == nil {
		return "", fmt.Errorf("message %d has no body section", msg.SeqNum)
	}
	raw, err := io.ReadAll(literal)
	if err != nil {
		return "", fmt.Errorf("failed to read message body: %w", err)
	}
	text := string(raw)
	if idx := strings.Index(text, "\r\n\r\n"); idx >= 0 {
		return text[idx+4:], nil
	}
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		return text[idx+2:], nil
	}
	return text, nil
}

// SendSecondChallenge implements core.SecondChallengeSender over SMTP
func (a *EmailAdapter) SendSecondChallenge(ctx context.Context, to, token string) error {
	msg := mail.NewMsg()
	if err := msg.From(a.cfg.User); err != nil {
		return apperrors.NewAdapterFatalError("email", fmt.Errorf("invalid sender address: %w", err))
	}
	if err := msg.To(to); err != nil {
		return apperrors.NewAdapterTransientError("email", fmt.Errorf("invalid recipient address: %w", err))
	}
	msg.Subject(secondChallengeSubject)
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Your first challenge was accepted.\n\n"+
			"To finish verifying this email address, submit the following code "+
			"on the registrar page:\n\n%s\n", token))

	client, err := mail.NewClient(a.cfg.SMTPServer,
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(a.cfg.User),
		mail.WithPassword(a.cfg.Password),
	)
	if err != nil {
		return apperrors.NewAdapterFatalError("email", fmt.Errorf("failed to build SMTP client: %w", err))
	}
	defer func() { _ = client.Close() }()

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return apperrors.NewAdapterTransientError("email", fmt.Errorf("failed to send second challenge: %w", err))
	}
	a.log.WithField("recipient", to).Info("Second challenge mail sent")
	return nil
}
