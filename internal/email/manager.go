// Package email sends, reads, replies to and forwards mail on behalf of the
// agent, with a recipient domain allow-list and an hourly send limit.
package email

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRateLimit is the number of messages allowed per hour.
const DefaultRateLimit = 10

var (
	ErrDisabled         = errors.New("email functionality is disabled")
	ErrDomainNotAllowed = errors.New("domain not allowed")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrNoMailbox        = errors.New("no mailbox configured")
	ErrInvalidAddress   = errors.New("invalid email address")
)

// Config holds account and policy settings.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	Name     string

	SMTPHost string
	SMTPPort int

	// RateLimit is messages per hour; 0 means DefaultRateLimit.
	RateLimit      int
	AllowedDomains []string
	// Signature is appended to outgoing bodies unless a send opts out.
	Signature string
}

// Outgoing is a message to send.
type Outgoing struct {
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	Body     string
	BodyHTML string
	// Headers such as In-Reply-To.
	Headers map[string]string
}

// Message is a received message.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Cc        string    `json:"cc,omitempty"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
	MessageID string    `json:"message_id,omitempty"`
	Body      string    `json:"body"`
	Unread    bool      `json:"unread"`
}

// Sender delivers a composed message.
type Sender interface {
	Send(ctx context.Context, from string, recipients []string, msg []byte) error
}

// Mailbox gives read access to received mail.
type Mailbox interface {
	List(ctx context.Context, folder string, limit int, unreadOnly bool) ([]Message, error)
	Fetch(ctx context.Context, folder, id string) (Message, error)
}

// Status summarizes configuration and usage.
type Status struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"email_address"`
	SMTPServer     string   `json:"smtp_server"`
	RateLimit      string   `json:"rate_limit"`
	AllowedDomains []string `json:"allowed_domains"`
	Mailbox        bool     `json:"mailbox_configured"`
	SignatureOn    bool     `json:"signature_enabled"`
}

// Manager enforces policy around a Sender and an optional Mailbox.
type Manager struct {
	cfg     Config
	sender  Sender
	mailbox Mailbox
	logger  *zap.Logger
	now     func() time.Time

	// sendMu serializes deliveries so the quota check and the spend
	// around a send cannot interleave.
	sendMu  sync.Mutex
	mu      sync.Mutex
	limiter *rate.Limiter
}

// Option customizes a Manager.
type Option func(*Manager)

func WithSender(s Sender) Option   { return func(m *Manager) { m.sender = s } }
func WithMailbox(b Mailbox) Option { return func(m *Manager) { m.mailbox = b } }
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager. Without WithSender, mail goes out over SMTP
// using cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	m := &Manager{cfg: cfg, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.sender == nil {
		m.sender = NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.Address, cfg.Password)
	}
	if m.cfg.Enabled && (m.cfg.Address == "" || m.cfg.Password == "") && !m.customSender() {
		m.logger.Warn("Email credentials not configured, email disabled")
		m.cfg.Enabled = false
	}
	m.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.RateLimit)), cfg.RateLimit)
	return m
}

func (m *Manager) customSender() bool {
	_, isSMTP := m.sender.(*SMTPSender)
	return !isSMTP
}

// Enabled reports whether sending is allowed.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// DomainAllowed reports whether address may receive mail. An empty
// allow-list permits every domain.
func (m *Manager) DomainAllowed(address string) bool {
	if len(m.cfg.AllowedDomains) == 0 {
		return true
	}
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(address[at+1:]))
	for _, d := range m.cfg.AllowedDomains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}

// Send validates recipients, applies the rate limit and delivers out.
func (m *Manager) Send(ctx context.Context, out Outgoing, addSignature bool) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	recipients, err := m.checkRecipients(out)
	if err != nil {
		m.logger.Warn("Email blocked", zap.Error(err))
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	// Only delivered messages count against the hourly quota.
	m.mu.Lock()
	allowed := m.limiter.TokensAt(m.now()) >= 1
	used := m.usedLocked()
	m.mu.Unlock()
	if !allowed {
		return fmt.Errorf("%w: %d/%d emails sent in last hour", ErrRateLimited, used, m.cfg.RateLimit)
	}

	if addSignature && m.cfg.Signature != "" {
		out.Body += "\n\n---\n" + m.cfg.Signature
		if out.BodyHTML != "" {
			out.BodyHTML += "<br><br>---<br>" + htmlEscape(m.cfg.Signature)
		}
	}

	from := m.cfg.Address
	if m.cfg.Name != "" {
		from = (&mail.Address{Name: m.cfg.Name, Address: m.cfg.Address}).String()
	}
	raw, err := compose(from, out, m.now())
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, m.cfg.Address, recipients, raw); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	m.mu.Lock()
	m.limiter.AllowN(m.now(), 1)
	m.mu.Unlock()
	m.logger.Info("Email sent",
		zap.Strings("to", out.To),
		zap.String("subject", out.Subject),
		zap.Int("body_length", len(out.Body)))
	return nil
}

func (m *Manager) checkRecipients(out Outgoing) ([]string, error) {
	if len(out.To) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidAddress)
	}
	var all []string
	for _, group := range [][]string{out.To, out.Cc, out.Bcc} {
		for _, addr := range group {
			parsed, err := mail.ParseAddress(addr)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
			}
			if !m.DomainAllowed(parsed.Address) {
				return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, parsed.Address)
			}
			all = append(all, parsed.Address)
		}
	}
	return all, nil
}

// Read lists messages from folder.
func (m *Manager) Read(ctx context.Context, folder string, limit int, unreadOnly bool) ([]Message, error) {
	if !m.cfg.Enabled {
		return nil, ErrDisabled
	}
	if m.mailbox == nil {
		return nil, ErrNoMailbox
	}
	return m.mailbox.List(ctx, folder, limit, unreadOnly)
}

// Reply answers message id in folder, quoting nothing and threading by
// Message-ID.
func (m *Manager) Reply(ctx context.Context, folder, id, body, bodyHTML string, cc []string) (Message, error) {
	orig, err := m.fetch(ctx, folder, id)
	if err != nil {
		return Message{}, err
	}
	to := orig.From
	if addr, err := mail.ParseAddress(orig.From); err == nil {
		to = addr.Address
	}
	out := Outgoing{
		To:       []string{to},
		Cc:       cc,
		Subject:  prefixSubject("Re: ", orig.Subject),
		Body:     body,
		BodyHTML: bodyHTML,
	}
	if orig.MessageID != "" {
		out.Headers = map[string]string{"In-Reply-To": orig.MessageID, "References": orig.MessageID}
	}
	return orig, m.Send(ctx, out, true)
}

// Forward sends message id in folder to new recipients.
func (m *Manager) Forward(ctx context.Context, folder, id string, to []string, note string, cc []string) (Message, error) {
	orig, err := m.fetch(ctx, folder, id)
	if err != nil {
		return Message{}, err
	}
	var b strings.Builder
	if note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString("---------- Forwarded message ---------\n")
	fmt.Fprintf(&b, "From: %s\n", orig.From)
	fmt.Fprintf(&b, "Date: %s\n", orig.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Subject: %s\n", orig.Subject)
	fmt.Fprintf(&b, "To: %s\n\n", orig.To)
	b.WriteString(orig.Body)

	out := Outgoing{To: to, Cc: cc, Subject: prefixSubject("Fwd: ", orig.Subject), Body: b.String()}
	return orig, m.Send(ctx, out, true)
}

func (m *Manager) fetch(ctx context.Context, folder, id string) (Message, error) {
	if !m.cfg.Enabled {
		return Message{}, ErrDisabled
	}
	if m.mailbox == nil {
		return Message{}, ErrNoMailbox
	}
	return m.mailbox.Fetch(ctx, folder, id)
}

// Status reports configuration and the messages sent in the last hour.
func (m *Manager) Status() Status {
	m.mu.Lock()
	used := m.usedLocked()
	m.mu.Unlock()

	domains := m.cfg.AllowedDomains
	if len(domains) == 0 {
		domains = []string{"All domains allowed"}
	}
	return Status{
		Enabled:        m.cfg.Enabled,
		Address:        m.cfg.Address,
		SMTPServer:     fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort),
		RateLimit:      fmt.Sprintf("%d/%d per hour", used, m.cfg.RateLimit),
		AllowedDomains: domains,
		Mailbox:        m.mailbox != nil,
		SignatureOn:    m.cfg.Signature != "",
	}
}

// usedLocked approximates sends in the current window from the bucket.
func (m *Manager) usedLocked() int {
	tokens := m.limiter.TokensAt(m.now())
	used := m.cfg.RateLimit - int(math.Floor(tokens))
	if used < 0 {
		return 0
	}
	return used
}

func prefixSubject(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\n", "<br>")
	return r.Replace(s)
}
