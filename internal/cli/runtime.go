package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/agent"
	"github.com/mfateev/sandbox-agent/internal/config"
	"github.com/mfateev/sandbox-agent/internal/email"
	"github.com/mfateev/sandbox-agent/internal/gitops"
	"github.com/mfateev/sandbox-agent/internal/instructions"
	"github.com/mfateev/sandbox-agent/internal/llm"
	"github.com/mfateev/sandbox-agent/internal/mcpbridge"
	"github.com/mfateev/sandbox-agent/internal/memory"
	"github.com/mfateev/sandbox-agent/internal/runlog"
	"github.com/mfateev/sandbox-agent/internal/search"
	"github.com/mfateev/sandbox-agent/internal/shell"
	"github.com/mfateev/sandbox-agent/internal/tools"
	"github.com/mfateev/sandbox-agent/internal/tools/handlers"
	"github.com/mfateev/sandbox-agent/internal/workspace"
)

// Runtime is an assembled agent plus the resources it owns.
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Guard    *workspace.Guard
	Registry *tools.Registry
	Memory   *memory.Store
	// Runlog is nil when the audit log is disabled or failed to open.
	Runlog *runlog.Store
	Bridge *mcpbridge.Bridge
	Agent  *agent.Agent
}

// RuntimeOptions adjusts assembly.
type RuntimeOptions struct {
	// Prompter enables the approval gate for mutating capabilities.
	Prompter Prompter
	// Reasoner replaces the configured provider client.
	Reasoner llm.Reasoner
	// SkipReasoner builds everything except the agent, for commands that
	// only inspect state.
	SkipReasoner bool
	// SkipMCP leaves configured MCP servers unconnected.
	SkipMCP bool
}

// NewRuntime wires every component described by cfg.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts RuntimeOptions) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := cfg.WorkspaceRoot()
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	guard, err := workspace.New(root)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Guard:    guard,
		Registry: tools.NewRegistry(logger),
		Memory:   memory.OpenWorkspace(guard.Root(), logger),
		Bridge:   mcpbridge.New(logger),
	}
	if err := rt.registerTools(ctx, !opts.SkipMCP); err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.Runlog.Enabled {
		rt.Runlog = openRunlog(cfg.Runlog.Path, logger)
	}

	if opts.SkipReasoner {
		return rt, nil
	}

	reasoner := opts.Reasoner
	if reasoner == nil {
		reasoner, err = llm.NewReasoner(ctx, llm.ProviderConfig{
			Provider: cfg.Reasoner.Provider,
			Model:    cfg.Reasoner.Model,
			APIKey:   cfg.Reasoner.APIKey,
			BaseURL:  cfg.Reasoner.BaseURL,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("create reasoner: %w", err)
		}
	}
	gateway := llm.NewGateway(reasoner,
		llm.WithMaxAttempts(cfg.Reasoner.MaxAttempts),
		llm.WithInitialBackoff(cfg.InitialBackoff()),
		llm.WithSampling(cfg.Reasoner.Temperature, cfg.Reasoner.MaxTokens),
		llm.WithLogger(logger),
	)

	var docs string
	if cfg.Workspace.ProjectDocs {
		docs, err = instructions.LoadProjectDocs(guard.Root())
		if err != nil {
			logger.Warn("Failed to read project docs", zap.Error(err))
		}
	}

	var dispatcher agent.Dispatcher = rt.Registry
	if opts.Prompter != nil {
		dispatcher = NewApprovalGate(rt.Registry, opts.Prompter)
	}

	agentCfg := agent.Config{
		Reasoner:         gateway,
		Tools:            dispatcher,
		Memory:           rt.Memory,
		Logger:           logger,
		MaxIterations:    cfg.Agent.MaxIterations,
		BaseInstructions: instructions.GetBaseInstructions(""),
		ProjectDocs:      docs,
	}
	if rt.Runlog != nil {
		agentCfg.Observer = rt.Runlog
	}
	rt.Agent, err = agent.New(agentCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) registerTools(ctx context.Context, withMCP bool) error {
	cfg, logger := rt.Config, rt.Logger

	sh, err := shell.Resolve(cfg.Command.Shell)
	if err != nil {
		return err
	}

	var handlersList []tools.ToolHandler
	handlersList = append(handlersList, handlers.NewFileTools(rt.Guard, logger)...)
	handlersList = append(handlersList,
		handlers.NewRunCommandTool(rt.Guard, handlers.CommandOptions{
			Shell:          sh,
			DefaultTimeout: cfg.CommandTimeout(),
			OutputLimit:    cfg.Command.OutputLimit,
			Logger:         logger,
		}),
		handlers.NewStarlarkTool(logger),
		search.NewTool(search.New(search.Config{BraveAPIKey: cfg.Search.BraveAPIKey}), logger),
	)

	emailOpts := []email.Option{email.WithLogger(logger)}
	if box := mailbox(cfg.Email, logger); box != nil {
		emailOpts = append(emailOpts, email.WithMailbox(box))
	}
	mail := email.NewManager(email.Config{
		Enabled:        cfg.Email.Enabled,
		Address:        cfg.Email.Address,
		Password:       cfg.Email.Password,
		Name:           cfg.Email.Name,
		SMTPHost:       cfg.Email.SMTPHost,
		SMTPPort:       cfg.Email.SMTPPort,
		RateLimit:      cfg.Email.RateLimit,
		AllowedDomains: cfg.Email.AllowedDomains,
		Signature:      cfg.Email.Signature,
	}, emailOpts...)
	handlersList = append(handlersList, email.NewTools(mail)...)

	git := gitops.NewManager(rt.Guard, gitops.Config{
		Enabled:              cfg.Git.Enabled,
		UserName:             cfg.Git.UserName,
		UserEmail:            cfg.Git.UserEmail,
		SSHKeyPath:           cfg.Git.SSHKeyPath,
		AllowFreeformCommits: cfg.Git.AllowFreeformCommits,
	}, gitops.WithLogger(logger))
	handlersList = append(handlersList, gitops.NewTools(git)...)

	if err := rt.Registry.Register(handlersList...); err != nil {
		return err
	}

	if withMCP && len(cfg.MCP) > 0 {
		// Unreachable servers are logged by the bridge and skipped.
		_ = rt.Bridge.ConnectAll(ctx, cfg.MCP, rt.Guard.Root())
		if err := rt.Registry.Register(rt.Bridge.Tools()...); err != nil {
			return fmt.Errorf("register MCP tools: %w", err)
		}
	}
	return nil
}

func openRunlog(path string, logger *zap.Logger) *runlog.Store {
	if path == "" {
		p, err := runlog.DefaultPath()
		if err != nil {
			logger.Warn("No location for the run log", zap.Error(err))
			return nil
		}
		path = p
	}
	store, err := runlog.Open(path, logger)
	if err != nil {
		logger.Warn("Run log unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return store
}

// Close releases MCP sessions and the run log.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Bridge != nil {
		errs = append(errs, rt.Bridge.Close())
	}
	if rt.Runlog != nil {
		errs = append(errs, rt.Runlog.Close())
	}
	return errors.Join(errs...)
}

// mailbox picks where read_emails looks. A configured Maildir wins over the
// account's IMAP server.
func mailbox(cfg config.EmailConfig, logger *zap.Logger) email.Mailbox {
	switch {
	case cfg.Maildir != "":
		return email.NewMaildir(cfg.Maildir)
	case cfg.Enabled && cfg.IMAPHost != "":
		return email.NewIMAPMailbox(email.IMAPConfig{
			Host:     cfg.IMAPHost,
			Port:     cfg.IMAPPort,
			Username: cfg.Address,
			Password: cfg.Password,
			Insecure: cfg.IMAPInsecure,
		}, logger.Named("imap"))
	default:
		return nil
	}
}
