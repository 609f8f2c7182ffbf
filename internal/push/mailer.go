package push

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"deskline/api/internal/store"
)

type MailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

func (c MailConfig) Configured() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

type directory interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends pushes as e-mail to the recipient's directory address.
type Mailer struct {
	config    MailConfig
	server    string
	auth      smtp.Auth
	users     directory
	sendMail  sendMailFunc
	templates *template.Template
}

func NewMailer(config MailConfig, users directory) *Mailer {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Mailer{
		config:    config,
		server:    config.Host + ":" + config.Port,
		auth:      auth,
		users:     users,
		sendMail:  smtp.SendMail,
		templates: template.Must(template.New("push").Parse(notificationTemplate)),
	}
}

func (m *Mailer) Send(ctx context.Context, p Push) error {
	if !m.config.Configured() {
		return fmt.Errorf("email not configured")
	}
	user, err := m.users.GetUser(ctx, p.RecipientID)
	if err != nil {
		return fmt.Errorf("lookup recipient %s: %w", p.RecipientID, err)
	}
	if user.Email == "" {
		return nil
	}

	msg, err := m.render(user, p)
	if err != nil {
		return err
	}
	return m.sendMail(m.server, m.auth, m.config.From, []string{user.Email}, msg)
}

func (m *Mailer) render(user store.User, p Push) ([]byte, error) {
	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	var html bytes.Buffer
	if err := m.templates.Execute(&html, map[string]string{
		"AppName":  m.config.FromName,
		"UserName": user.DisplayName,
		"Title":    p.Title,
		"Body":     p.Body,
	}); err != nil {
		return nil, fmt.Errorf("render notification template: %w", err)
	}

	boundary := "boundary-deskline"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", user.Email)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", p.Title)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", p.Body)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", html.String())
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return msg.Bytes(), nil
}

const notificationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .message { background: #f5f7fa; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>

    <h2>{{.Title}}</h2>

    <div class="message">{{.Body}}</div>

    <div class="footer">
        <p>You are receiving this because you are a member of this department.</p>
    </div>
</body>
</html>`
