package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/config"
	"github.com/mfateev/sandbox-agent/internal/email"
)

func TestMailboxSelection(t *testing.T) {
	logger := zap.NewNop()
	cfg := config.EmailConfig{Enabled: true, Address: "agent@example.com", IMAPHost: "imap.example.com", IMAPPort: 993}

	assert.IsType(t, &email.IMAPMailbox{}, mailbox(cfg, logger))

	cfg.Maildir = t.TempDir()
	assert.IsType(t, &email.Maildir{}, mailbox(cfg, logger))

	assert.Nil(t, mailbox(config.EmailConfig{IMAPHost: "imap.example.com"}, logger), "disabled email reads nothing")
}
