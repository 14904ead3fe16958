package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/quill/internal/artifact"
	"github.com/roach88/quill/internal/config"
	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/event"
	"github.com/roach88/quill/internal/materializer"
	"github.com/roach88/quill/internal/runtime"
	"github.com/roach88/quill/internal/server"
	"github.com/roach88/quill/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	Listen     string
	Echo       bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notebook server",
		Long: `Run the notebook server: the single-writer engine, the HTTP API, the
websocket event stream, and optionally an in-process echo runtime for
trying the execution pipeline without a real kernel.

Examples:
  quill serve --db ./quill.db
  quill serve --config quill.yaml
  quill serve --db ./quill.db --echo`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.Echo, "echo", false, "start an in-process echo runtime")

	return cmd
}

func runServe(opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Storage.Database = opts.Database
	}
	addr := cfg.Server.Addr()
	if opts.Listen != "" {
		addr = opts.Listen
	}
	if opts.Echo {
		cfg.Runtime.Echo = true
	}

	log := newLogger(cfg.Logging, opts.Verbose)

	st, err := store.Open(cfg.Storage.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	validator, err := event.NewValidator()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build schema validator", err)
	}

	var ext *artifact.Externalizer
	if cfg.Artifacts.Endpoint != "" {
		client := artifact.NewClient(cfg.Artifacts.Endpoint, cfg.Artifacts.Token, cfg.Artifacts.Timeout.Std())
		ext = artifact.NewExternalizer(client, cfg.Artifacts.Threshold, log)
	}

	hub := server.NewHub(log)
	mat := materializer.New(st, log)
	eng := engine.New(st, mat, validator,
		engine.WithBroadcaster(hub),
		engine.WithLogger(log))

	var agents []*runtime.Agent
	if cfg.Runtime.Echo {
		notebooks := cfg.Runtime.EchoNotebooks
		if len(notebooks) == 0 {
			notebooks = []string{"scratch"}
		}
		fetcher := runtime.NewProjectionFetcher(st)
		for _, notebookID := range notebooks {
			agent := runtime.NewAgent(eng, fetcher, runtime.EchoHandler{}, notebookID,
				cfg.Runtime.RuntimeID, "echo", runtime.Capabilities{Code: true},
				runtime.WithAgentLogger(log),
				runtime.WithAgentExternalizer(ext))
			hub.Attach(agent)
			agents = append(agents, agent)
		}
	}

	handler := server.NewHandler(eng, st, hub, server.NewTokenAuth(cfg.Auth.Tokens), log)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     handler.Router(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Agents stop before the engine so their termination events still
	// reach the log.
	agentCtx, stopAgents := context.WithCancel(context.Background())
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	defer stopAgents()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	var agentWG sync.WaitGroup
	for _, agent := range agents {
		agent := agent
		agentWG.Add(1)
		g.Go(func() error {
			defer agentWG.Done()
			if err := agent.Run(agentCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)

		stopAgents()
		agentWG.Wait()
		stopEngine()
		return nil
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server exited with error", err)
	}
	return nil
}
