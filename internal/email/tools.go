package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mfateev/sandbox-agent/internal/tools"
)

// DefaultReadLimit is the number of messages read_emails returns by default.
const DefaultReadLimit = 5

// NewTools exposes m as capabilities.
func NewTools(m *Manager) []tools.ToolHandler {
	return []tools.ToolHandler{
		&sendTool{m},
		&readTool{m},
		&replyTool{m},
		&forwardTool{m},
		&statusTool{m},
	}
}

func toolError(err error) (*tools.ToolOutput, error) {
	switch {
	case errors.Is(err, ErrDomainNotAllowed), errors.Is(err, ErrInvalidAddress):
		return nil, tools.WrapValidationError(err)
	case errors.Is(err, ErrDisabled):
		return tools.NewFailure("Email functionality is disabled"), nil
	default:
		return tools.NewFailure("%v", err), nil
	}
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type sendTool struct{ m *Manager }

type sendArgs struct {
	To           string   `json:"to"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	BodyHTML     string   `json:"body_html"`
	Cc           []string `json:"cc"`
	Bcc          []string `json:"bcc"`
	AddSignature *bool    `json:"add_signature"`
}

func (a *sendArgs) Validate() error {
	if err := tools.RequireString("to", a.To); err != nil {
		return err
	}
	if err := tools.RequireString("subject", a.Subject); err != nil {
		return err
	}
	return tools.RequireString("body", a.Body)
}

func (t *sendTool) Name() string         { return "send_email" }
func (t *sendTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *sendTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Send an email",
		Parameters: []tools.ToolParameter{
			{Name: "to", Type: "str", Description: "Recipients, comma separated", Required: true},
			{Name: "subject", Type: "str", Required: true},
			{Name: "body", Type: "str", Description: "Plain text body", Required: true},
			{Name: "body_html", Type: "str", Description: "HTML body"},
			{Name: "cc", Type: "list"},
			{Name: "bcc", Type: "list"},
			{Name: "add_signature", Type: "bool", Description: "Append the signature (default true)"},
		},
	}
}

func (t *sendTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *sendTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args sendArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	out := Outgoing{
		To:       splitAddresses(args.To),
		Cc:       args.Cc,
		Bcc:      args.Bcc,
		Subject:  args.Subject,
		Body:     args.Body,
		BodyHTML: args.BodyHTML,
	}
	if err := t.m.Send(ctx, out, args.AddSignature == nil || *args.AddSignature); err != nil {
		return toolError(err)
	}
	return tools.NewSuccess("Email sent to "+strings.Join(out.To, ", "), nil), nil
}

type readTool struct{ m *Manager }

type readArgs struct {
	Folder     string `json:"folder"`
	Limit      int    `json:"limit"`
	UnreadOnly *bool  `json:"unread_only"`
}

func (t *readTool) Name() string         { return "read_emails" }
func (t *readTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *readTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Read recent emails",
		Parameters: []tools.ToolParameter{
			{Name: "folder", Type: "str", Description: "Folder (default INBOX)"},
			{Name: "limit", Type: "int", Description: "Maximum messages (default 5)"},
			{Name: "unread_only", Type: "bool", Description: "Only unread messages (default true)"},
		},
	}
}

func (t *readTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *readTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args readArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	if args.Folder == "" {
		args.Folder = DefaultFolder
	}
	if args.Limit <= 0 {
		args.Limit = DefaultReadLimit
	}
	msgs, err := t.m.Read(ctx, args.Folder, args.Limit, args.UnreadOnly == nil || *args.UnreadOnly)
	if err != nil {
		return toolError(err)
	}
	return tools.NewSuccess(fmt.Sprintf("%d emails in %s", len(msgs), args.Folder), msgs), nil
}

type replyTool struct{ m *Manager }

type replyArgs struct {
	EmailID       string   `json:"email_id"`
	ReplyBody     string   `json:"reply_body"`
	ReplyBodyHTML string   `json:"reply_body_html"`
	Cc            []string `json:"cc"`
	Folder        string   `json:"folder"`
}

func (a *replyArgs) Validate() error {
	if err := tools.RequireString("email_id", a.EmailID); err != nil {
		return err
	}
	return tools.RequireString("reply_body", a.ReplyBody)
}

func (t *replyTool) Name() string         { return "reply_to_email" }
func (t *replyTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *replyTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Reply to an email",
		Parameters: []tools.ToolParameter{
			{Name: "email_id", Type: "str", Required: true},
			{Name: "reply_body", Type: "str", Required: true},
			{Name: "reply_body_html", Type: "str"},
			{Name: "cc", Type: "list"},
			{Name: "folder", Type: "str", Description: "Folder (default INBOX)"},
		},
	}
}

func (t *replyTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *replyTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args replyArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	orig, err := t.m.Reply(ctx, args.Folder, args.EmailID, args.ReplyBody, args.ReplyBodyHTML, args.Cc)
	if err != nil {
		return toolError(err)
	}
	return tools.NewSuccess(fmt.Sprintf("Replied to %s", orig.From), nil), nil
}

type forwardTool struct{ m *Manager }

type forwardArgs struct {
	EmailID        string   `json:"email_id"`
	To             string   `json:"to"`
	ForwardMessage string   `json:"forward_message"`
	Cc             []string `json:"cc"`
	Folder         string   `json:"folder"`
}

func (a *forwardArgs) Validate() error {
	if err := tools.RequireString("email_id", a.EmailID); err != nil {
		return err
	}
	return tools.RequireString("to", a.To)
}

func (t *forwardTool) Name() string         { return "forward_email" }
func (t *forwardTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *forwardTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Forward an email",
		Parameters: []tools.ToolParameter{
			{Name: "email_id", Type: "str", Required: true},
			{Name: "to", Type: "str", Description: "Recipients, comma separated", Required: true},
			{Name: "forward_message", Type: "str"},
			{Name: "cc", Type: "list"},
			{Name: "folder", Type: "str", Description: "Folder (default INBOX)"},
		},
	}
}

func (t *forwardTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *forwardTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args forwardArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	to := splitAddresses(args.To)
	if _, err := t.m.Forward(ctx, args.Folder, args.EmailID, to, args.ForwardMessage, args.Cc); err != nil {
		return toolError(err)
	}
	return tools.NewSuccess("Email forwarded to "+strings.Join(to, ", "), nil), nil
}

type statusTool struct{ m *Manager }

func (t *statusTool) Name() string         { return "get_email_status" }
func (t *statusTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *statusTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{Name: t.Name(), Description: "Show email configuration and hourly usage"}
}

func (t *statusTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *statusTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	if err := tools.DecodeArgs(invocation.Arguments, &struct{}{}); err != nil {
		return nil, err
	}
	st := t.m.Status()
	state := "disabled"
	if st.Enabled {
		state = "enabled"
	}
	return tools.NewSuccess(fmt.Sprintf("Email is %s, %s", state, st.RateLimit), st), nil
}
