package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultFolder is the folder read when none is given.
const DefaultFolder = "INBOX"

const maxBodyBytes = 64 << 10

// Maildir reads mail delivered into a Maildir tree: <root>/<folder>/new
// holds unread messages and <root>/<folder>/cur the rest. Reading a message
// marks it seen by moving it to cur.
type Maildir struct {
	root string
}

// NewMaildir returns a Mailbox rooted at dir.
func NewMaildir(dir string) *Maildir { return &Maildir{root: dir} }

type maildirFile struct {
	id     string
	path   string
	unread bool
	mod    time.Time
}

func (d *Maildir) folderDir(folder string) (string, error) {
	if folder == "" {
		folder = DefaultFolder
	}
	if strings.ContainsAny(folder, `/\`) || folder == "." || folder == ".." {
		return "", fmt.Errorf("invalid folder %q", folder)
	}
	return filepath.Join(d.root, folder), nil
}

func (d *Maildir) scan(folder string, unreadOnly bool) ([]maildirFile, error) {
	dir, err := d.folderDir(folder)
	if err != nil {
		return nil, err
	}
	subdirs := []string{"new"}
	if !unreadOnly {
		subdirs = append(subdirs, "cur")
	}

	var files []maildirFile
	for _, sub := range subdirs {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			id, _, _ := strings.Cut(e.Name(), ":")
			files = append(files, maildirFile{
				id:     id,
				path:   filepath.Join(dir, sub, e.Name()),
				unread: sub == "new",
				mod:    info.ModTime(),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].id < files[j].id
		}
		return files[i].mod.Before(files[j].mod)
	})
	return files, nil
}

// List returns up to limit of the most recent messages, oldest first.
func (d *Maildir) List(ctx context.Context, folder string, limit int, unreadOnly bool) ([]Message, error) {
	files, err := d.scan(folder, unreadOnly)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(files) > limit {
		files = files[len(files)-limit:]
	}
	msgs := make([]Message, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := readMessage(f)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Fetch reads message id and marks it seen.
func (d *Maildir) Fetch(_ context.Context, folder, id string) (Message, error) {
	files, err := d.scan(folder, false)
	if err != nil {
		return Message{}, err
	}
	for _, f := range files {
		if f.id != id {
			continue
		}
		msg, err := readMessage(f)
		if err != nil {
			return Message{}, err
		}
		if f.unread {
			dir, _ := d.folderDir(folder)
			_ = os.MkdirAll(filepath.Join(dir, "cur"), 0o700)
			_ = os.Rename(f.path, filepath.Join(dir, "cur", f.id+":2,S"))
		}
		return msg, nil
	}
	return Message{}, fmt.Errorf("message %s not found in %s", id, folderName(folder))
}

func folderName(folder string) string {
	if folder == "" {
		return DefaultFolder
	}
	return folder
}

func readMessage(f maildirFile) (Message, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return Message{}, err
	}
	defer fh.Close()
	return parseMessage(fh, f.id, f.unread, f.mod)
}

// parseMessage decodes an RFC 5322 message. fallbackDate is used when the
// Date header is missing or malformed.
func parseMessage(r io.Reader, id string, unread bool, fallbackDate time.Time) (Message, error) {
	m, err := mail.ReadMessage(r)
	if err != nil {
		return Message{}, err
	}
	dec := new(mime.WordDecoder)
	decode := func(s string) string {
		if out, err := dec.DecodeHeader(s); err == nil {
			return out
		}
		return s
	}

	msg := Message{
		ID:        id,
		From:      decode(m.Header.Get("From")),
		To:        decode(m.Header.Get("To")),
		Cc:        decode(m.Header.Get("Cc")),
		Subject:   decode(m.Header.Get("Subject")),
		MessageID: m.Header.Get("Message-Id"),
		Unread:    unread,
	}
	if date, err := m.Header.Date(); err == nil {
		msg.Date = date
	} else {
		msg.Date = fallbackDate
	}
	body, err := textBody(m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body)
	if err != nil {
		return Message{}, err
	}
	msg.Body = body
	return msg, nil
}

// textBody extracts the first text/plain part.
func textBody(contentType, encoding string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if contentType == "" || err != nil {
		mediaType = "text/plain"
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		for {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			body, err := textBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			if body != "" {
				return body, nil
			}
		}
	}
	if mediaType != "text/plain" {
		return "", nil
	}
	if strings.EqualFold(encoding, "quoted-printable") {
		r = quotedprintable.NewReader(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
