// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires every component built under internal/ into a single
// running server, generalized from the teacher's internal/app/app.go
// (Options, New, Initialize/Start/Run/Shutdown/Stop lifecycle) onto this
// server's project/session/process domain instead of trellis's
// service/worktree/workflow one.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/agentd/internal/agent"
	"github.com/relaydesk/agentd/internal/auth"
	"github.com/relaydesk/agentd/internal/config"
	"github.com/relaydesk/agentd/internal/eventbus"
	"github.com/relaydesk/agentd/internal/frametransport"
	"github.com/relaydesk/agentd/internal/httpapi"
	"github.com/relaydesk/agentd/internal/logging"
	"github.com/relaydesk/agentd/internal/permission"
	"github.com/relaydesk/agentd/internal/project"
	"github.com/relaydesk/agentd/internal/relay"
	"github.com/relaydesk/agentd/internal/sessionview"
	"github.com/relaydesk/agentd/internal/settings"
	"github.com/relaydesk/agentd/internal/supervisor"
	"github.com/relaydesk/agentd/internal/transcript"
	"github.com/relaydesk/agentd/internal/upload"
)

var log = logging.Component("app")

// editLikeTools is the fixed set of tool names the acceptEdits policy row
// (spec §4.C) treats as edit-like.
var editLikeTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
}

// Options holds the command-line overrides applied on top of the loaded
// config file.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	Version    string
}

// App is the main application container.
type App struct {
	mu sync.RWMutex

	version string
	config  *config.Config

	bus         *eventbus.Bus
	settings    *settings.Store
	authMgr     *auth.Manager
	uploads     *upload.Manager
	transcripts *transcript.Store
	supervisor  *supervisor.Supervisor
	sessions    *sessionview.Assembler
	frames      *frametransport.Handler
	server      *httpapi.Server
	relayDialer *relay.Dialer

	watchCancel  context.CancelFunc
	reaperCancel context.CancelFunc
	relayCancel  context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once
}

// New loads configuration and constructs an App; call Initialize then
// Start (or Run, which does both) to bring it up.
func New(opts Options) (*App, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(context.Background(), opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
	})

	return &App{
		version: opts.Version,
		config:  cfg,
		done:    make(chan struct{}),
	}, nil
}

// Initialize constructs every component and wires them together. It does
// not start any background loop or accept connections; call Start for
// that.
func (app *App) Initialize(ctx context.Context) error {
	cfg := app.config

	app.bus = eventbus.NewWithQueueBound(cfg.Bus.QueueBound)

	var err error
	app.settings, err = settings.New(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("app: settings store: %w", err)
	}
	app.authMgr, err = auth.New(app.settings)
	if err != nil {
		return fmt.Errorf("app: auth manager: %w", err)
	}
	app.uploads, err = upload.New(cfg.Storage.DataDir, cfg.Upload.MaxBytes)
	if err != nil {
		return fmt.Errorf("app: upload manager: %w", err)
	}

	externalThreshold, err := time.ParseDuration(cfg.Agent.ExternalThreshold)
	if err != nil {
		return fmt.Errorf("app: agent.external_threshold: %w", err)
	}
	debounce := time.Duration(cfg.Watch.DebounceMs) * time.Millisecond
	app.transcripts = transcript.New(cfg.Storage.ProjectsRoot, app.bus,
		transcript.WithExternalThreshold(externalThreshold),
		transcript.WithDebounce(debounce),
	)

	idleTimeout, err := time.ParseDuration(cfg.Agent.IdleTimeout)
	if err != nil {
		return fmt.Errorf("app: agent.idle_timeout: %w", err)
	}
	checkerFor := func() *permission.Checker {
		return permission.NewChecker(func(tool string) bool { return editLikeTools[tool] })
	}
	launcherFor := func(projectID, sessionID string) agent.Launcher {
		workDir, err := project.Decode(projectID)
		if err != nil {
			log.Warn().Err(err).Str("project_id", projectID).Msg("decode project id")
		}
		return &workDirLauncher{
			inner:   &agent.CLILauncher{Path: cfg.Agent.CLIPath},
			workDir: workDir,
		}
	}
	isExternal := func(projectID, sessionID string) bool {
		return app.transcripts.Classify(projectID, sessionID, false, time.Now()) == transcript.StatusExternal
	}
	app.supervisor = supervisor.New(app.bus, checkerFor, launcherFor, isExternal,
		supervisor.WithIdleTimeout(idleTimeout),
	)

	app.sessions = sessionview.NewAssembler(app.transcripts, app.supervisor, app.supervisor.Process)

	// The frame transport dispatches `request` frames against the same
	// route table as the HTTP surface, so build the router once (without
	// FrameHandler) to hand to frametransport, then build the real
	// Dependencies/Server with FrameHandler wired to it.
	routes := httpapi.NewRouter(httpapi.Dependencies{
		ProjectsRoot: cfg.Storage.ProjectsRoot,
		Transcript:   app.transcripts,
		Sessions:     app.sessions,
		Supervisor:   app.supervisor,
		Auth:         app.authMgr,
		Uploads:      app.uploads,
		Settings:     app.settings,
		Bus:          app.bus,
		Version:      app.version,
	})
	app.frames = frametransport.New(routes, app.bus, app.uploads)

	app.server = httpapi.NewServer(httpapi.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, httpapi.Dependencies{
		ProjectsRoot: cfg.Storage.ProjectsRoot,
		Transcript:   app.transcripts,
		Sessions:     app.sessions,
		Supervisor:   app.supervisor,
		Auth:         app.authMgr,
		Uploads:      app.uploads,
		Settings:     app.settings,
		Bus:          app.bus,
		FrameHandler: app.frames,
		Version:      app.version,
	})

	if cfg.Relay.URL != "" {
		app.relayDialer = relay.NewDialer(relay.Config{
			URL:             cfg.Relay.URL,
			Username:        cfg.Relay.Username,
			PairingPassword: cfg.Relay.PairingPassword,
		}, app.frames)
	}

	return nil
}

// workDirLauncher adapts an agent.Launcher whose caller (agent.Process)
// always passes an empty workDir, binding it to the project directory
// resolved at Supervisor spawn time instead.
type workDirLauncher struct {
	inner   agent.Launcher
	workDir string
}

func (l *workDirLauncher) Authoritative() bool { return l.inner.Authoritative() }

func (l *workDirLauncher) Launch(ctx context.Context, _ string, sessionID, resumeSessionID string) (agent.Proc, error) {
	return l.inner.Launch(ctx, l.workDir, sessionID, resumeSessionID)
}

// Start brings up background loops and the HTTP/Frame Transport listener.
func (app *App) Start(ctx context.Context) error {
	watchCtx, watchCancel := context.WithCancel(context.Background())
	app.watchCancel = watchCancel
	go func() {
		if err := app.transcripts.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			log.Error().Err(err).Msg("transcript watcher exited")
		}
	}()

	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	app.reaperCancel = reaperCancel
	reaperInterval, err := time.ParseDuration(app.config.Agent.ReaperInterval)
	if err != nil {
		reaperInterval = 30 * time.Second
	}
	go app.supervisor.RunIdleReaper(reaperCtx, reaperInterval)

	if app.relayDialer != nil {
		relayCtx, relayCancel := context.WithCancel(context.Background())
		app.relayCancel = relayCancel
		go app.relayDialer.Run(relayCtx)
	}

	go func() {
		log.Info().Str("host", app.config.Server.Host).Int("port", app.config.Server.Port).Msg("listening")
		if err := app.server.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("http server exited")
		}
	}()

	return nil
}

// Run calls Initialize and Start, then blocks until ctx is cancelled or
// Stop is called, finally calling Shutdown.
func (app *App) Run(ctx context.Context) error {
	if err := app.Initialize(ctx); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("context cancelled, shutting down")
	case <-app.done:
		log.Info().Msg("shutdown requested")
	}

	return app.Shutdown(context.Background())
}

// Shutdown tears down every component in reverse startup order, bounding
// the whole sequence to 30s if ctx carries no deadline of its own.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	log.Info().Msg("shutting down")

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown")
		}
	}
	if app.relayCancel != nil {
		app.relayCancel()
	}
	if app.reaperCancel != nil {
		app.reaperCancel()
	}
	if app.watchCancel != nil {
		app.watchCancel()
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// Stop signals Run to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
