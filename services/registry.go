package services

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// CommandHandler answers one text command. line is the full trimmed
// command as received.
type CommandHandler interface {
	HandleCommand(ctx context.Context, line string) (string, error)
}

// CommandHandlerFunc adapts a function to CommandHandler
type CommandHandlerFunc func(ctx context.Context, line string) (string, error)

// HandleCommand calls f
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, line string) (string, error) {
	return f(ctx, line)
}

// Registry routes text commands to handlers by their leading verb.
//
// A payload is a command when it starts with a registered verb; anything
// else is a message submission. Verbs match case-sensitively, the way peers
// send them.
//
// Example usage:
//
//	registry := services.NewRegistry(services.WithRegistryLogger(logger))
//	registry.RegisterHandler(services.CommandRetrieve, services.NewRetrieveCommand(mta))
//
//	// In a session handler:
//	if response, ok, err := registry.Dispatch(ctx, text); ok {
//		...
//	}
type Registry struct {
	handlers map[string]CommandHandler
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger overrides the logger used when routing commands.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]CommandHandler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers handler for verb, replacing any previous one.
func (r *Registry) RegisterHandler(verb string, handler CommandHandler) {
	r.handlers[verb] = handler
}

// UnregisterHandler removes the handler for verb.
func (r *Registry) UnregisterHandler(verb string) {
	delete(r.handlers, verb)
}

// HasHandler returns true if a handler is registered for verb.
func (r *Registry) HasHandler(verb string) bool {
	_, ok := r.handlers[verb]
	return ok
}

// RegisteredCommands returns the registered verbs in sorted order.
func (r *Registry) RegisteredCommands() []string {
	verbs := make([]string, 0, len(r.handlers))
	for verb := range r.handlers {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	return verbs
}

// Dispatch runs the handler whose verb prefixes line. The longest verb
// wins. ok is false when line is not a command.
func (r *Registry) Dispatch(ctx context.Context, line string) (response string, ok bool, err error) {
	verb := ""
	for candidate := range r.handlers {
		if strings.HasPrefix(line, candidate) && len(candidate) > len(verb) {
			verb = candidate
		}
	}
	if verb == "" {
		return "", false, nil
	}

	r.logger.DebugContext(ctx, "Routing text command", "verb", verb)
	response, err = r.handlers[verb].HandleCommand(ctx, line)
	return response, true, err
}
