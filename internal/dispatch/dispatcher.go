// Package dispatch maps control requests onto the state store and the job
// orchestrator. Every command has a typed args struct; incoming args are
// validated against a JSON Schema reflected from it before decoding.
package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/apperr"
	"github.com/austinkregel/codemd/internal/ipc"
	"github.com/austinkregel/codemd/internal/jobs"
	"github.com/austinkregel/codemd/internal/library"
	"github.com/austinkregel/codemd/internal/logging"
	"github.com/austinkregel/codemd/internal/state"
)

type command struct {
	name   string
	schema *argSchema
	run    func(ctx context.Context, args map[string]any) (any, error)
}

// Dispatcher executes control commands. It keeps no state of its own
// beyond the command table.
type Dispatcher struct {
	store    *state.Store
	jobs     *jobs.Orchestrator
	resolver *library.Resolver

	libraryPaths func() []string
	probeLimit   int
	background   context.Context

	commands map[string]*command
	aliases  map[string]string
	logger   *logrus.Entry
}

// Option customises a Dispatcher
type Option func(*Dispatcher)

// WithLibraryPaths supplies the directories loaded when load_playlist
// receives no paths
func WithLibraryPaths(fn func() []string) Option {
	return func(d *Dispatcher) { d.libraryPaths = fn }
}

// WithBackground sets the context for work that outlives a request, such
// as duration probing
func WithBackground(ctx context.Context) Option {
	return func(d *Dispatcher) { d.background = ctx }
}

// New builds a dispatcher with the full command table
func New(store *state.Store, orch *jobs.Orchestrator, resolver *library.Resolver, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		store:        store,
		jobs:         orch,
		resolver:     resolver,
		libraryPaths: func() []string { return nil },
		probeLimit:   4,
		background:   context.Background(),
		commands:     make(map[string]*command),
		aliases:      make(map[string]string),
		logger:       logging.NewLogger("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.registerAll(); err != nil {
		return nil, err
	}
	return d, nil
}

// register adds a command whose args decode into A
func register[A any](d *Dispatcher, name string, fn func(ctx context.Context, args A) (any, error)) error {
	var proto A
	schema, err := reflectArgs(name, &proto)
	if err != nil {
		return err
	}
	d.commands[name] = &command{
		name:   name,
		schema: schema,
		run: func(ctx context.Context, raw map[string]any) (any, error) {
			var args A
			if err := schema.decode(raw, &args); err != nil {
				return nil, err
			}
			return fn(ctx, args)
		},
	}
	return nil
}

func (d *Dispatcher) alias(alias, target string) {
	d.aliases[alias] = target
}

// Commands lists the canonical command names
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the JSON Schema of a command's args
func (d *Dispatcher) Schema(name string) ([]byte, bool) {
	cmd := d.lookup(name)
	if cmd == nil {
		return nil, false
	}
	return cmd.schema.raw, true
}

func (d *Dispatcher) lookup(name string) *command {
	if target, ok := d.aliases[name]; ok {
		name = target
	}
	return d.commands[name]
}

// Dispatch runs one command and returns its result or a structured error.
// It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.WithField("command", name).Errorf("Command panicked: %v", p)
			result, err = nil, apperr.Internal(fmt.Errorf("panic in %s: %v", name, p))
		}
	}()

	cmd := d.lookup(name)
	if cmd == nil {
		return nil, apperr.UnknownCommand(name)
	}
	return cmd.run(ctx, args)
}

// Handle implements ipc.Handler
func (d *Dispatcher) Handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	result, err := d.Dispatch(ctx, req.Command, req.Args)
	if err != nil {
		return ipc.NewErrorResponse(err)
	}
	resp, err := ipc.NewSuccessResponse(result)
	if err != nil {
		return ipc.NewErrorResponse(apperr.Internal(err))
	}
	return resp
}
