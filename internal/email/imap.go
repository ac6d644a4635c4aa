package email

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

// IMAPConfig locates an IMAP account.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Insecure dials without TLS. Meant for local servers only.
	Insecure bool
}

// IMAPMailbox reads mail from an IMAP server. Every call opens its own
// connection and logs out when done. Message IDs are UIDs.
type IMAPMailbox struct {
	cfg    IMAPConfig
	logger *zap.Logger
}

// NewIMAPMailbox returns a Mailbox for cfg.
func NewIMAPMailbox(cfg IMAPConfig, logger *zap.Logger) *IMAPMailbox {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IMAPMailbox{cfg: cfg, logger: logger}
}

func (b *IMAPMailbox) addr() string {
	return net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
}

// session connects, logs in, selects folder and runs fn.
func (b *IMAPMailbox) session(ctx context.Context, folder string, readOnly bool, fn func(*imapclient.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		c   *imapclient.Client
		err error
	)
	if b.cfg.Insecure {
		c, err = imapclient.DialInsecure(b.addr(), nil)
	} else {
		c, err = imapclient.DialTLS(b.addr(), nil)
	}
	if err != nil {
		return fmt.Errorf("connect to %s: %w", b.addr(), err)
	}
	// Closing the connection unblocks any pending command.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer func() {
		stop()
		_ = c.Logout().Wait()
		_ = c.Close()
	}()

	if err := c.Login(b.cfg.Username, b.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(folderName(folder), &imap.SelectOptions{ReadOnly: readOnly}).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folderName(folder), err)
	}
	return fn(c)
}

// List returns up to limit of the most recent messages, oldest first.
// Listing never changes the seen flag.
func (b *IMAPMailbox) List(ctx context.Context, folder string, limit int, unreadOnly bool) ([]Message, error) {
	var msgs []Message
	err := b.session(ctx, folder, true, func(c *imapclient.Client) error {
		criteria := &imap.SearchCriteria{}
		if unreadOnly {
			criteria.NotFlag = []imap.Flag{imap.FlagSeen}
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("search %s: %w", folderName(folder), err)
		}
		uids := data.AllUIDs()
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		if limit > 0 && len(uids) > limit {
			uids = uids[len(uids)-limit:]
		}
		if len(uids) == 0 {
			return nil
		}
		msgs, err = b.fetch(c, uids)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Listed IMAP messages", zap.String("folder", folderName(folder)), zap.Int("count", len(msgs)))
	return msgs, nil
}

// Fetch reads message id and marks it seen.
func (b *IMAPMailbox) Fetch(ctx context.Context, folder, id string) (Message, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return Message{}, fmt.Errorf("message %s not found in %s", id, folderName(folder))
	}
	uid := imap.UID(n)

	var msg Message
	err = b.session(ctx, folder, false, func(c *imapclient.Client) error {
		msgs, err := b.fetch(c, []imap.UID{uid})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("message %s not found in %s", id, folderName(folder))
		}
		msg = msgs[0]
		if msg.Unread {
			seen := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
			if err := c.Store(imap.UIDSetNum(uid), seen, nil).Close(); err != nil {
				b.logger.Warn("Failed to mark message seen", zap.String("id", id), zap.Error(err))
			}
		}
		return nil
	})
	return msg, err
}

func (b *IMAPMailbox) fetch(c *imapclient.Client, uids []imap.UID) ([]Message, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}
	bufs, err := c.Fetch(imap.UIDSetNum(uids...), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].UID < bufs[j].UID })

	msgs := make([]Message, 0, len(bufs))
	for _, buf := range bufs {
		raw := buf.FindBodySection(section)
		if raw == nil {
			continue
		}
		id := strconv.FormatUint(uint64(buf.UID), 10)
		msg, err := parseMessage(bytes.NewReader(raw), id, !hasFlag(buf.Flags, imap.FlagSeen), buf.InternalDate)
		if err != nil {
			b.logger.Debug("Skipping unparseable message", zap.String("id", id), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
