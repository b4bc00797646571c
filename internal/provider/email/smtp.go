package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/mailsync/internal/provider"
)

// submission is a message ready for SMTP: envelope sender, envelope
// recipients and the bytes to transmit with Bcc removed.
type submission struct {
	From string
	To   []string
	Body []byte
}

// prepareSubmission reads the envelope out of raw. Bcc recipients are
// kept on the envelope and dropped from the transmitted header. When the
// message has no From, from is used and written into the header.
func prepareSubmission(raw []byte, from string) (*submission, error) {
	header, body, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}

	sub := &submission{From: from}
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		sub.From = addrs[0].Address
	} else if from != "" {
		header.SetAddressList("From", []*mail.Address{{Address: from}})
	}

	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, err := header.AddressList(key)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		for _, a := range addrs {
			if !contains(sub.To, a.Address) {
				sub.To = append(sub.To, a.Address)
			}
		}
	}
	if len(sub.To) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}
	header.Del("Bcc")

	var buf bytes.Buffer
	if err := writeHeader(&buf, header); err != nil {
		return nil, err
	}
	buf.Write(body)
	sub.Body = buf.Bytes()
	return sub, nil
}

// submit sends sub through the configured SMTP server, over implicit TLS
// or STARTTLS depending on the account.
func (c *Client) submit(ctx context.Context, sub *submission) error {
	addr := net.JoinHostPort(c.cfg.SMTPHost, c.cfg.SMTPPort)
	tlsConfig := &tls.Config{ServerName: c.cfg.SMTPHost}

	var (
		sc  *smtp.Client
		err error
	)
	if c.cfg.TLS {
		sc, err = smtp.DialTLS(addr, tlsConfig)
	} else {
		sc, err = smtp.DialStartTLS(addr, tlsConfig)
	}
	if err != nil {
		return &provider.NetworkError{Op: "smtp dial", Err: err}
	}
	defer sc.Close()

	if deadline, ok := ctx.Deadline(); ok {
		sc.CommandTimeout = time.Until(deadline)
		sc.SubmissionTimeout = time.Until(deadline)
	}

	if err := sc.Auth(sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)); err != nil {
		return classifySMTP("smtp auth", err)
	}
	if err := sc.Mail(sub.From, nil); err != nil {
		return classifySMTP("smtp mail from", err)
	}
	for _, rcpt := range sub.To {
		if err := sc.Rcpt(rcpt, nil); err != nil {
			return classifySMTP("smtp rcpt to", err)
		}
	}

	wc, err := sc.Data()
	if err != nil {
		return classifySMTP("smtp data", err)
	}
	if _, err := wc.Write(sub.Body); err != nil {
		_ = wc.Close()
		return &provider.NetworkError{Op: "smtp write", Err: err}
	}
	if err := wc.Close(); err != nil {
		return classifySMTP("smtp data", err)
	}

	if err := sc.Quit(); err != nil {
		c.logger.Warn().Err(err).Msg("smtp quit failed after accepted submission")
	}
	return nil
}

// classifySMTP maps a server reply onto the provider error kinds: 535 is
// a rejected credential, other 4xx replies are transient.
func classifySMTP(op string, err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		switch {
		case se.Code == 535 || se.Code == 534:
			return &provider.AuthError{Provider: "smtp", Message: strings.TrimSpace(se.Message)}
		case se.Code >= 400 && se.Code < 500:
			return &provider.NetworkError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &provider.NetworkError{Op: op, Err: err}
}

// splitMessage separates a raw message into its header and body bytes.
func splitMessage(raw []byte) (mail.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return mail.Header{}, nil, fmt.Errorf("reading message header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return mail.Header{}, nil, fmt.Errorf("reading message body: %w", err)
	}
	return mail.Header{Header: message.Header{Header: h}}, body, nil
}

func writeHeader(w io.Writer, h mail.Header) error {
	if err := textproto.WriteHeader(w, h.Header.Header); err != nil {
		return fmt.Errorf("writing message header: %w", err)
	}
	return nil
}
