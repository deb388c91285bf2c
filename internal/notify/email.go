package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"iot-control/internal/models"
)

var emailTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <h2>IoT device alert</h2>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><td><b>Device</b></td><td>{{.DeviceID}}</td></tr>
    <tr><td><b>Rule</b></td><td>{{.RuleName}}</td></tr>
    <tr><td><b>Message</b></td><td>{{.Message}}</td></tr>
    <tr><td><b>Severity</b></td><td>{{.Severity}}</td></tr>
    <tr><td><b>Time</b></td><td>{{.Time}}</td></tr>
  </table>
  <h3>Data</h3>
  <pre>{{.Data}}</pre>
</body>
</html>
`))

// EmailOptions configures the SMTP channel
type EmailOptions struct {
	Server     string
	Port       int
	UseTLS     bool // STARTTLS after connecting
	Username   string
	Password   string
	Sender     string
	Recipients []string
}

// EmailChannel sends an HTML message per alert over SMTP
type EmailChannel struct {
	opts EmailOptions
	// send delivers a built message; replaced in tests
	send func(ctx context.Context, msg []byte) error
}

func NewEmailChannel(opts EmailOptions) *EmailChannel {
	if opts.Port == 0 {
		opts.Port = 587
	}
	c := &EmailChannel{opts: opts}
	c.send = c.deliver
	return c
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, event *models.AlertEvent) error {
	if len(c.opts.Recipients) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	msg, err := c.BuildMessage(event)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// BuildMessage renders the MIME message for event
func (c *EmailChannel) BuildMessage(event *models.AlertEvent) ([]byte, error) {
	data, err := json.MarshalIndent(event.Data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert data: %w", err)
	}

	var body bytes.Buffer
	if err := emailTemplate.Execute(&body, map[string]any{
		"DeviceID": event.DeviceID,
		"RuleName": event.RuleName,
		"Message":  event.Message,
		"Severity": strings.ToUpper(string(event.Severity)),
		"Time":     event.Timestamp.Format(logLineTimeFormat),
		"Data":     string(data),
	}); err != nil {
		return nil, fmt.Errorf("failed to render email: %w", err)
	}

	subject := fmt.Sprintf("[%s] IoT alert: %s - %s",
		strings.ToUpper(string(event.Severity)), event.DeviceID, event.RuleName)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.opts.Sender)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.opts.Recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@iot-control>\r\n", uuid.NewString())
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func (c *EmailChannel) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(c.opts.Server, strconv.Itoa(c.opts.Port))

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.opts.Server)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer client.Close()

	if c.opts.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: c.opts.Server}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if c.opts.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", c.opts.Username, c.opts.Password, c.opts.Server)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := client.Mail(c.opts.Sender); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range c.opts.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open message body: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return client.Quit()
}
