// Package agentrun provides a top-level convenience entry point for
// building the full client stack with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/agentrun"
//
//	stack, err := agentrun.New(agentrun.WithBaseURL("https://api.example.com"),
//	    agentrun.WithToken(os.Getenv("AGENTRUN_TOKEN")))
//	run, err := stack.Client.CreateRun(ctx, client.CreateRunRequest{Prompt: "fix the build"})
//	done, err := stack.Waiter.Wait(ctx, run.ID)
//
// Every collaborator can also be constructed and wired by hand through
// the individual packages; this facade only covers the common case.
package agentrun

import (
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/cache"
	"github.com/BaSui01/agentrun/client"
	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/ratelimit"
	"github.com/BaSui01/agentrun/retry"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/stream"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/waiter"
)

// Stack bundles the client with its polling and streaming companions.
type Stack struct {
	Client   *client.Client
	Waiter   *waiter.Waiter
	Streamer *stream.Streamer
}

// Option configures the stack created by [New].
type Option func(*config.Config, *client.Deps)

// WithBaseURL sets the remote service root. Required.
func WithBaseURL(u string) Option {
	return func(cfg *config.Config, _ *client.Deps) { cfg.Client.BaseURL = u }
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(cfg *config.Config, _ *client.Deps) { cfg.Client.Token = token }
}

// WithConfig replaces the whole default configuration.
func WithConfig(c *config.Config) Option {
	return func(cfg *config.Config, _ *client.Deps) { *cfg = *c }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(_ *config.Config, deps *client.Deps) { deps.Logger = logger }
}

// New builds a Stack from defaults plus the given options.
func New(opts ...Option) (*Stack, error) {
	cfg := config.Default()
	deps := client.Deps{}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	if cfg.Client.BaseURL == "" {
		return nil, types.NewError(types.ErrValidation, "base URL is required")
	}

	if deps.Store == nil {
		st, err := store.New(cfg.Store, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Store = st
	}
	if deps.Cache == nil {
		ca, err := cache.New(cfg.Cache, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Cache = ca
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(cfg.RateLimit, deps.Logger)
	}
	if deps.Retrier == nil {
		deps.Retrier = retry.NewExecutor(cfg.Retry.Policy(), deps.Metrics, deps.Logger)
	}

	c, err := client.New(cfg.Client, deps)
	if err != nil {
		return nil, err
	}
	return &Stack{
		Client:   c,
		Waiter:   waiter.New(c, cfg.Waiter, deps.Logger),
		Streamer: stream.New(c, cfg.Stream, deps.Logger),
	}, nil
}

// Close releases the stack's resources.
func (s *Stack) Close() error {
	s.Streamer.Close()
	return s.Client.Close()
}
