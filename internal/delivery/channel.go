// Package delivery e-mails rendered articles to the read-later inbox over
// SMTP.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mail/mail/v2"
	"github.com/rs/zerolog"

	"eom-relay/internal/config"
	"eom-relay/internal/content"
)

// Dialer opens an authenticated SMTP session. *mail.Dialer implements it.
type Dialer interface {
	Dial() (mail.SendCloser, error)
}

// Channel delivers one article per message. Each send uses its own SMTP
// session; a failure is reported for that article only.
type Channel struct {
	cfg    config.DeliveryConfig
	site   string
	dryRun bool
	dialer Dialer
	log    zerolog.Logger
	now    func() time.Time
}

// New returns a channel for cfg. Port 465 uses implicit TLS; any other port
// must offer STARTTLS.
func New(cfg config.DeliveryConfig, site string, dryRun bool, logger zerolog.Logger) *Channel {
	d := mail.NewDialer(cfg.SMTPServer, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	d.SSL = cfg.SMTPPort == 465
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.RetryFailure = false
	if t := cfg.Timeout(); t > 0 {
		d.Timeout = t
	}
	return NewWithDialer(cfg, site, dryRun, d, logger)
}

func NewWithDialer(cfg config.DeliveryConfig, site string, dryRun bool, dialer Dialer, logger zerolog.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		site:   site,
		dryRun: dryRun,
		dialer: dialer,
		log:    logger.With().Str("component", "delivery").Logger(),
		now:    time.Now,
	}
}

// Deliver e-mails article. In dry-run mode the message is composed and
// logged but not sent, and the call reports success.
func (c *Channel) Deliver(ctx context.Context, article *content.Article, meta content.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := c.composeArticle(article)
	if err != nil {
		return err
	}

	log := c.log.With().
		Int64("post_id", article.ID).
		Str("access", string(meta.Access)).
		Logger()

	if c.dryRun {
		log.Info().
			Str("subject", c.cfg.SubjectPrefix+article.Title).
			Str("to", c.cfg.Destination).
			Int("words", article.WordCount).
			Msg("Dry run, email not sent")
		return nil
	}

	if err := c.send(msg); err != nil {
		return err
	}
	log.Debug().Str("to", c.cfg.Destination).Msg("Email sent")
	return nil
}

// SendTest sends a fixed message through the same path as articles.
func (c *Channel) SendTest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := c.composeTest()
	if err != nil {
		return err
	}
	if c.dryRun {
		c.log.Info().Str("to", c.cfg.Destination).Msg("Dry run, test email not sent")
		return nil
	}
	if err := c.send(msg); err != nil {
		return err
	}
	c.log.Info().Str("to", c.cfg.Destination).Msg("Test email sent")
	return nil
}

// TestConnectivity dials and authenticates without sending anything.
func (c *Channel) TestConnectivity(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := c.dialer.Dial()
	if err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", c.cfg.SMTPServer, c.cfg.SMTPPort, err)
	}
	return s.Close()
}

func (c *Channel) send(msg *mail.Message) error {
	s, err := c.dialer.Dial()
	if err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", c.cfg.SMTPServer, c.cfg.SMTPPort, err)
	}
	defer s.Close()

	if err := mail.Send(s, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
