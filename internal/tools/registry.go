package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// Registry maps capability names to handlers. It is populated at startup and
// only read afterwards; the lock keeps late registrations (MCP servers that
// connect after the first run starts) safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
	order    []string
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string]ToolHandler),
		logger:   logger,
	}
}

// Register adds handlers in order.
func (r *Registry) Register(handlers ...ToolHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handlers {
		name := h.Name()
		if name == "" {
			return errors.New("tool name cannot be empty")
		}
		if _, exists := r.handlers[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		r.handlers[name] = h
		r.order = append(r.order, name)
	}
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Specs returns the catalogue grouped by kind, registration order within a
// kind.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		kind  ToolKind
		index int
		spec  ToolSpec
	}
	entries := make([]entry, 0, len(r.order))
	for i, name := range r.order {
		h := r.handlers[name]
		entries = append(entries, entry{kind: h.Kind(), index: i, spec: h.Spec()})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].kind != entries[j].kind {
			return entries[i].kind < entries[j].kind
		}
		return entries[i].index < entries[j].index
	})

	specs := make([]ToolSpec, len(entries))
	for i, e := range entries {
		specs[i] = e.spec
	}
	return specs
}

// Catalogue renders the numbered capability list used in prompts.
func (r *Registry) Catalogue() string {
	r.mu.RLock()
	byKind := make(map[ToolKind][]ToolSpec)
	for _, name := range r.order {
		h := r.handlers[name]
		byKind[h.Kind()] = append(byKind[h.Kind()], h.Spec())
	}
	r.mu.RUnlock()

	var out string
	n := 1
	for _, kind := range []ToolKind{ToolKindWorkspace, ToolKindCommand, ToolKindExternal} {
		specs := byKind[kind]
		if len(specs) == 0 {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += kind.String() + ":\n"
		for _, s := range specs {
			out += fmt.Sprintf("%d. %s - %s\n", n, s.Signature(), s.Description)
			n++
		}
	}
	return out
}

// Dispatch runs the named capability and always returns a result. Unknown
// names, validation errors, handler errors and panics all become failure
// outputs so the reasoner can correct itself on the next step.
func (r *Registry) Dispatch(ctx context.Context, invocation *ToolInvocation) (out *ToolOutput) {
	h, ok := r.Get(invocation.ToolName)
	if !ok {
		r.logger.Warn("unknown tool requested", zap.String("tool", invocation.ToolName))
		return NewFailure("Unknown tool '%s'", invocation.ToolName)
	}

	var kind string
	switch h.Kind() {
	case ToolKindWorkspace:
		kind = "workspace"
	case ToolKindCommand:
		kind = "command"
	case ToolKindExternal:
		kind = "external"
	default:
		r.logger.Error("tool has unsupported kind", zap.String("tool", invocation.ToolName), zap.Int("kind", int(h.Kind())))
		return NewFailure("Unknown tool '%s'", invocation.ToolName)
	}

	logger := r.logger.With(zap.String("tool", invocation.ToolName), zap.String("kind", kind))
	if h.IsMutating(invocation) {
		logger.Info("dispatching mutating tool", zap.String("call_id", invocation.CallID))
	} else {
		logger.Debug("dispatching tool", zap.String("call_id", invocation.CallID))
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("tool panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			out = NewFailure("tool %s panicked: %v", invocation.ToolName, p)
		}
	}()

	result, err := h.Handle(ctx, invocation)
	if err != nil {
		if IsValidationError(err) {
			logger.Info("tool rejected invocation", zap.Error(err))
			return NewFailure("%s", err.Error())
		}
		logger.Warn("tool failed", zap.Error(err))
		return NewFailure("%s", err.Error())
	}
	if result == nil {
		return NewFailure("tool %s returned no result", invocation.ToolName)
	}
	if result.Success == nil {
		success := true
		result.Success = &success
	}
	return result
}
