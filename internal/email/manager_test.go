package email

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/sandbox-agent/internal/tools"
)

type sent struct {
	from       string
	recipients []string
	raw        string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSender) Send(_ context.Context, from string, recipients []string, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{from: from, recipients: recipients, raw: string(msg)})
	return nil
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	m := NewManager(cfg, append([]Option{WithSender(sender)}, opts...)...)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, sender
}

func baseConfig() Config {
	return Config{Enabled: true, Address: "agent@example.com", Password: "pw", SMTPHost: "smtp.example.com", SMTPPort: 587}
}

func TestSend_Composes(t *testing.T) {
	m, sender := newTestManager(t, baseConfig())

	err := m.Send(context.Background(), Outgoing{
		To:      []string{"bob@example.com"},
		Cc:      []string{"carol@example.com"},
		Bcc:     []string{"dave@example.com"},
		Subject: "Status",
		Body:    "All good",
	}, false)
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "agent@example.com", msg.from)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "dave@example.com"}, msg.recipients)
	assert.Contains(t, msg.raw, "To: bob@example.com\r\n")
	assert.Contains(t, msg.raw, "Cc: carol@example.com\r\n")
	assert.Contains(t, msg.raw, "Subject: Status\r\n")
	assert.NotContains(t, msg.raw, "dave@example.com")
	assert.Contains(t, msg.raw, "All good")
}

func TestSend_SignatureAndHTML(t *testing.T) {
	cfg := baseConfig()
	cfg.Signature = "Sandbox Agent"
	m, sender := newTestManager(t, cfg)

	require.NoError(t, m.Send(context.Background(), Outgoing{
		To: []string{"bob@example.com"}, Subject: "Hi", Body: "plain", BodyHTML: "<p>html</p>",
	}, true))

	raw := sender.sent[0].raw
	assert.Contains(t, raw, "multipart/alternative")
	assert.Contains(t, raw, "plain\r\n\r\n---\r\nSandbox Agent")
	assert.Contains(t, raw, "<p>html</p><br><br>---<br>Sandbox Agent")
}

func TestSend_DomainAllowList(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedDomains = []string{"example.com"}
	m, sender := newTestManager(t, cfg)

	err := m.Send(context.Background(), Outgoing{To: []string{"bob@example.com"}, Cc: []string{"eve@evil.test"}, Subject: "x", Body: "y"}, false)
	require.ErrorIs(t, err, ErrDomainNotAllowed)
	assert.Empty(t, sender.sent)

	assert.True(t, m.DomainAllowed("Bob@EXAMPLE.com"))
	assert.False(t, m.DomainAllowed("no-at-sign"))
}

func TestSend_RateLimited(t *testing.T) {
	cfg := baseConfig()
	cfg.RateLimit = 2
	m, sender := newTestManager(t, cfg)

	out := Outgoing{To: []string{"bob@example.com"}, Subject: "x", Body: "y"}
	require.NoError(t, m.Send(context.Background(), out, false))
	require.NoError(t, m.Send(context.Background(), out, false))
	err := m.Send(context.Background(), out, false)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "2/2")
	assert.Len(t, sender.sent, 2)
	assert.Equal(t, "2/2 per hour", m.Status().RateLimit)
}

type flakySender struct {
	recordingSender
	failures int
}

func (s *flakySender) Send(ctx context.Context, from string, recipients []string, msg []byte) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("421 service not available")
	}
	s.mu.Unlock()
	return s.recordingSender.Send(ctx, from, recipients, msg)
}

func TestSend_FailedDeliveryKeepsQuota(t *testing.T) {
	cfg := baseConfig()
	cfg.RateLimit = 1
	sender := &flakySender{failures: 2}
	m, _ := newTestManager(t, cfg, WithSender(sender))

	out := Outgoing{To: []string{"bob@example.com"}, Subject: "x", Body: "y"}
	for i := 0; i < 2; i++ {
		err := m.Send(context.Background(), out, false)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRateLimited)
	}
	assert.Equal(t, "0/1 per hour", m.Status().RateLimit)

	require.NoError(t, m.Send(context.Background(), out, false))
	assert.Len(t, sender.sent, 1)
	assert.ErrorIs(t, m.Send(context.Background(), out, false), ErrRateLimited)
}

func TestDisabled(t *testing.T) {
	m, sender := newTestManager(t, Config{})

	err := m.Send(context.Background(), Outgoing{To: []string{"bob@example.com"}, Subject: "x", Body: "y"}, false)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = m.Read(context.Background(), "", 5, true)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Empty(t, sender.sent)
	assert.Equal(t, []string{"All domains allowed"}, m.Status().AllowedDomains)
}

func writeMail(t *testing.T, root, sub, name, content string, mod time.Time) {
	t.Helper()
	dir := filepath.Join(root, DefaultFolder, sub)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(content, "\n", "\r\n")), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

const plainMail = `From: Alice <alice@example.com>
To: agent@example.com
Subject: Build the site
Message-ID: <m1@example.com>
Date: Fri, 01 May 2026 08:00:00 +0000

Please build the landing page.
`

const multipartMail = `From: bob@example.com
To: agent@example.com
Subject: =?utf-8?q?Caf=C3=A9?=
Date: Fri, 01 May 2026 08:30:00 +0000
Content-Type: multipart/alternative; boundary="XX"

--XX
Content-Type: text/plain; charset="utf-8"
Content-Transfer-Encoding: quoted-printable

Meet at the caf=C3=A9
--XX
Content-Type: text/html; charset="utf-8"

<p>Meet</p>
--XX--
`

func newMaildir(t *testing.T) *Maildir {
	root := t.TempDir()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	writeMail(t, root, "cur", "old1:2,S", plainMail, base)
	writeMail(t, root, "new", "new1", plainMail, base.Add(time.Minute))
	writeMail(t, root, "new", "new2", multipartMail, base.Add(2*time.Minute))
	return NewMaildir(root)
}

func TestMaildir_List(t *testing.T) {
	box := newMaildir(t)

	unread, err := box.List(context.Background(), "", 10, true)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "new1", unread[0].ID)
	assert.Equal(t, "Alice <alice@example.com>", unread[0].From)
	assert.Equal(t, "Please build the landing page.", unread[0].Body)
	assert.Equal(t, "Café", unread[1].Subject)
	assert.Equal(t, "Meet at the café", unread[1].Body)

	all, err := box.List(context.Background(), DefaultFolder, 2, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new1", all[0].ID)
}

func TestMaildir_FetchMarksSeen(t *testing.T) {
	box := newMaildir(t)

	msg, err := box.Fetch(context.Background(), "", "new1")
	require.NoError(t, err)
	assert.True(t, msg.Unread)

	unread, err := box.List(context.Background(), "", 10, true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "new2", unread[0].ID)

	_, err = box.Fetch(context.Background(), "", "missing")
	assert.Error(t, err)
	_, err = box.List(context.Background(), "../etc", 1, false)
	assert.Error(t, err)
}

func TestReplyAndForward(t *testing.T) {
	m, sender := newTestManager(t, baseConfig(), WithMailbox(newMaildir(t)))

	_, err := m.Reply(context.Background(), "", "new1", "On it", "", nil)
	require.NoError(t, err)
	reply := sender.sent[0]
	assert.Equal(t, []string{"alice@example.com"}, reply.recipients)
	assert.Contains(t, reply.raw, "Subject: Re: Build the site\r\n")
	assert.Contains(t, reply.raw, "In-Reply-To: <m1@example.com>\r\n")

	_, err = m.Forward(context.Background(), "", "old1", []string{"carol@example.com"}, "FYI", nil)
	require.NoError(t, err)
	fwd := sender.sent[1]
	assert.Contains(t, fwd.raw, "Subject: Fwd: Build the site\r\n")
	assert.Contains(t, fwd.raw, "Forwarded message")
}

func TestReadWithoutMailbox(t *testing.T) {
	m, _ := newTestManager(t, baseConfig())
	_, err := m.Read(context.Background(), "", 5, true)
	assert.ErrorIs(t, err, ErrNoMailbox)
}

func TestPrefixSubject(t *testing.T) {
	assert.Equal(t, "Re: hi", prefixSubject("Re: ", "hi"))
	assert.Equal(t, "RE: hi", prefixSubject("Re: ", "RE: hi"))
}

func TestEmailTools(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedDomains = []string{"example.com"}
	m, sender := newTestManager(t, cfg, WithMailbox(newMaildir(t)))
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(NewTools(m)...))

	dispatch := func(name string, args map[string]interface{}) *tools.ToolOutput {
		return registry.Dispatch(context.Background(), &tools.ToolInvocation{ToolName: name, Arguments: args})
	}

	out := dispatch("send_email", map[string]interface{}{"to": "bob@example.com, carol@example.com", "subject": "s", "body": "b"})
	require.True(t, out.Succeeded(), out.Observation())
	assert.Equal(t, "Email sent to bob@example.com, carol@example.com", out.Content)

	out = dispatch("send_email", map[string]interface{}{"to": "eve@evil.test", "subject": "s", "body": "b"})
	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Content, "domain not allowed")

	out = dispatch("read_emails", map[string]interface{}{})
	require.True(t, out.Succeeded())
	assert.Equal(t, "2 emails in INBOX", out.Content)

	out = dispatch("get_email_status", nil)
	require.True(t, out.Succeeded())
	assert.Equal(t, "Email is enabled, 1/10 per hour", out.Content)
	assert.Len(t, sender.sent, 1)
}
