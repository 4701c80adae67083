// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/google/uuid"
)

type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromName    string
	FromAddress string
	StartTLS    bool
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Email is one outgoing message. At least one of TextBody and HTMLBody
// should be set; when both are, the message is multipart/alternative.
type Email struct {
	To       []string
	CC       []string
	BCC      []string
	Subject  string
	TextBody string
	HTMLBody string
}

func (e Email) recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.CC)+len(e.BCC))
	for _, list := range [][]string{e.To, e.CC, e.BCC} {
		for _, addr := range list {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

type SMTPSender struct {
	cfg    Config
	from   netmail.Address
	dialer net.Dialer
	logger *slog.Logger
	now    func() time.Time
}

func NewSMTPSender(cfg Config, logger *slog.Logger) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, domain.FatalConfig("smtp: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, domain.FatalConfig("smtp: invalid port %d", cfg.Port)
	}
	from, err := netmail.ParseAddress(cfg.FromAddress)
	if err != nil {
		return nil, domain.FatalConfig("smtp: invalid from address %q: %v", cfg.FromAddress, err)
	}
	from.Name = cfg.FromName

	return &SMTPSender{
		cfg:    cfg,
		from:   *from,
		dialer: net.Dialer{Timeout: 10 * time.Second},
		logger: logging.ForComponent(logger, "smtp"),
		now:    time.Now,
	}, nil
}

// Send delivers e through the configured relay. Connection and protocol
// failures are transient; a message with no recipients is a validation error.
func (s *SMTPSender) Send(ctx context.Context, e Email) error {
	rcpts := e.recipients()
	if len(rcpts) == 0 {
		return domain.Validation("email has no recipients")
	}

	msg, err := BuildMessage(s.from, e, s.now())
	if err != nil {
		return err
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.cfg.addr())
	if err != nil {
		return domain.Transient(fmt.Errorf("dial smtp %s: %w", s.cfg.addr(), err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return domain.Transient(fmt.Errorf("smtp handshake: %w", err))
	}
	defer c.Close()

	if err := s.deliver(c, rcpts, msg); err != nil {
		s.logger.Warn("smtp delivery failed", "subject", e.Subject, "recipients", len(rcpts), "error", err)
		return domain.Transient(err)
	}
	s.logger.Debug("email sent", "subject", e.Subject, "recipients", len(rcpts))
	return nil
}

func (s *SMTPSender) deliver(c *smtp.Client, rcpts []string, msg []byte) error {
	if s.cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			return fmt.Errorf("rcpt %s: %w", r, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

// BuildMessage renders e as an RFC 5322 message. BCC recipients are not
// written to the headers.
func BuildMessage(from netmail.Address, e Email, at time.Time) ([]byte, error) {
	if e.TextBody == "" && e.HTMLBody == "" {
		return nil, domain.Validation("email has no body")
	}

	var buf bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	header("From", from.String())
	header("To", strings.Join(e.To, ", "))
	if len(e.CC) > 0 {
		header("Cc", strings.Join(e.CC, ", "))
	}
	header("Subject", mime.QEncoding.Encode("utf-8", e.Subject))
	header("Date", at.Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@customer-sync>")
	header("MIME-Version", "1.0")

	switch {
	case e.TextBody != "" && e.HTMLBody != "":
		boundary := "alt-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		header("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
		buf.WriteString("\r\n")
		for _, part := range []struct{ kind, body string }{
			{"text/plain", e.TextBody},
			{"text/html", e.HTMLBody},
		} {
			fmt.Fprintf(&buf, "--%s\r\n", boundary)
			if err := writePart(&buf, part.kind, part.body); err != nil {
				return nil, err
			}
		}
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	case e.HTMLBody != "":
		if err := writePart(&buf, "text/html", e.HTMLBody); err != nil {
			return nil, err
		}
	default:
		if err := writePart(&buf, "text/plain", e.TextBody); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writePart(buf *bytes.Buffer, kind, body string) error {
	fmt.Fprintf(buf, "Content-Type: %s; charset=utf-8\r\n", kind)
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("encode %s part: %w", kind, err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("encode %s part: %w", kind, err)
	}
	buf.WriteString("\r\n")
	return nil
}
