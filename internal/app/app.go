// Package app assembles the service: one Application struct owns every
// subsystem and their lifecycles. No package-level singletons.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bookhound/internal/api"
	"bookhound/internal/bypass"
	"bookhound/internal/cascade"
	"bookhound/internal/config"
	"bookhound/internal/events"
	"bookhound/internal/fetch"
	"bookhound/internal/logger"
	"bookhound/internal/netx"
	"bookhound/internal/postprocess"
	"bookhound/internal/queue"
	"bookhound/internal/scheduler"
	"bookhound/internal/source"
	"bookhound/internal/storage"
)

// Application owns all subsystems.
type Application struct {
	Logger    *slog.Logger
	Store     *storage.Storage
	Config    *config.Manager
	NetState  *netx.State
	DNS       *netx.Layer
	Cookies   *bypass.CookieStore
	Gateway   *bypass.Gateway
	Fetcher   *fetch.Fetcher
	Queue     *queue.Queue
	Registry  *source.Registry
	Cache     *source.ReleaseCache
	Searcher  *source.Searcher
	Hub       *events.Hub
	Organizer *postprocess.Organizer
	Scheduler *scheduler.Scheduler
	Server    *api.Server

	httpServer *http.Server
}

// New builds and wires the application. configPath may be empty.
func New(dataDir, configPath string) (*Application, error) {
	store, err := storage.New(dataDir)
	if err != nil {
		return nil, err
	}

	cfgMgr, err := config.Load(configPath, store)
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.Get()

	log, notify, err := logger.New(dataDir, os.Stdout)
	if err != nil {
		return nil, err
	}

	a := &Application{
		Logger:   log,
		Store:    store,
		Config:   cfgMgr,
		NetState: netx.NewState(),
		Cookies:  bypass.NewCookieStore(),
		Queue:    queue.New(log),
		Registry: source.NewRegistry(),
		Cache:    source.NewReleaseCache(),
	}

	// The partner catalog hands out per-session download tokens alongside the
	// challenge cookies; its whole jar must survive.
	if u, err := url.Parse(cascade.WelibBase); err == nil {
		a.Cookies.MarkFullJar(u.Hostname())
	}

	a.DNS = netx.NewLayer(log, a.NetState, cfg.DNSProvider, cfg.ManualDNS, cfg.UseDoH)

	a.Gateway = bypass.New(log, a.Cookies, bypass.Config{
		Enabled:     cfg.BypassBackend != "none",
		InContainer: cfg.BypassBackend == "external" || bypass.InContainer(),
		DonorKey:    cfg.DonorKey,
	}, a.backendFactory)
	a.NetState.OnDNSRotate(func(int) { a.Gateway.ScheduleRestart() })

	a.Fetcher = fetch.New(log, a.Gateway, a.Cookies, fetch.Options{
		ProxyHTTP:  cfg.ProxyHTTP,
		ProxyHTTPS: cfg.ProxyHTTPS,
		Dial:       a.DNS.DialContext,
	})

	a.Hub = events.NewHub(log, cfg.ProgressInterval)
	a.Hub.Snapshot = func() any { return a.Queue.Snapshot() }
	a.Hub.OnFirstConnect = a.Gateway.ClientConnected
	a.Hub.OnAllDisconnect = a.Gateway.ClientDisconnected
	notify.SetNotifier(a.Hub)

	a.registerSources()

	a.Searcher = source.NewSearcher(log, a.Registry, a.Cache)
	a.Organizer = postprocess.NewOrganizer(log, cfgMgr.Get)
	a.Scheduler = scheduler.New(log, a.Queue, a.Registry, a.Organizer, a.Hub, store, cfgMgr.Get)

	var covers *api.CoverCache
	if cfg.EnableCoverCache {
		if covers, err = api.NewCoverCache(dataDir); err != nil {
			log.Warn("cover cache unavailable", "error", err)
		}
	}

	a.Server = api.NewServer(log, api.Options{
		Config:   cfgMgr,
		Queue:    a.Queue,
		Searcher: a.Searcher,
		Cache:    a.Cache,
		Registry: a.Registry,
		Events:   a.Hub,
		Store:    store,
		Covers:   covers,
		Verify:   a.credentialVerifier(cfg),
	})

	a.registerSettingsActions()
	return a, nil
}

// newSelector creates a fresh per-attempt mirror selector over the current
// settings.
func (a *Application) newSelector() *netx.Selector {
	cfg := a.Config.Get()
	return netx.NewSelector(a.Logger, a.NetState, cfg.AllMirrors(), a.DNS.ProviderCount())
}

// registerSources populates both registries at startup. Never mutated after.
func (a *Application) registerSources() {
	cfg := a.Config.Get()

	catalog := source.NewCatalog(a.Logger, a.Fetcher, a.newSelector, cfg.SupportedFormats)
	a.Registry.Register(source.CatalogName, catalog)

	handler := cascade.New(a.Logger, a.Fetcher, a.Cache, a.newSelector, a.Config.Get)
	a.Registry.RegisterDownloader(source.CatalogName, handler)
}

// backendFactory builds the configured bypass backend on demand.
func (a *Application) backendFactory() bypass.Backend {
	cfg := a.Config.Get()
	switch cfg.BypassBackend {
	case "external":
		gwSel := a.newSelector()
		return bypass.NewExternal(a.Logger, cfg.SolverURL, cfg.SolverTimeoutMS, func() {
			gwSel.NextMirrorOrRotateDNS(true)
		})
	default:
		return bypass.NewEmbedded(a.Logger, a.hostRules())
	}
}

// hostRules pre-resolves the hosts the embedded browser will visit so its
// DNS matches the layer's.
func (a *Application) hostRules() []string {
	cfg := a.Config.Get()
	var hosts []string
	for _, m := range cfg.AllMirrors() {
		if u, err := url.Parse(m); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}
	if u, err := url.Parse(cascade.WelibBase); err == nil {
		hosts = append(hosts, u.Hostname())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.DNS.HostRules(ctx, hosts)
}

// credentialVerifier opens the external auth database when one is
// configured.
func (a *Application) credentialVerifier(cfg config.Settings) func(string, string) bool {
	if cfg.AuthDBPath == "" {
		return nil
	}
	authDB, err := storage.OpenAuthDB(cfg.AuthDBPath)
	if err != nil {
		a.Logger.Warn("auth database unavailable, logins will fail", "path", cfg.AuthDBPath, "error", err)
		return nil
	}
	return authDB.VerifyCredentials
}

// registerSettingsActions binds the settings UI action buttons.
func (a *Application) registerSettingsActions() {
	a.Config.RegisterAction("probe_mirrors", func(unsaved map[string]string) config.ActionResult {
		mirrors := a.Config.Get().AllMirrors()
		if raw, ok := unsaved["mirrors"]; ok && raw != "" {
			mirrors = nil
			for _, m := range strings.Split(raw, ",") {
				if m = strings.TrimSpace(m); m != "" {
					mirrors = append(mirrors, m)
				}
			}
		}

		client := &http.Client{Timeout: netx.MirrorProbeTimeout}
		reachable := 0
		for _, m := range mirrors {
			resp, err := client.Get(m)
			if err == nil {
				resp.Body.Close()
				reachable++
			}
		}
		return config.ActionResult{
			Success: reachable > 0,
			Message: fmt.Sprintf("%d/%d mirrors reachable", reachable, len(mirrors)),
		}
	})

	a.Config.RegisterAction("test_bypass", func(unsaved map[string]string) config.ActionResult {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		if _, err := a.Gateway.Get(ctx, cascade.WelibBase, nil); err != nil {
			return config.ActionResult{Success: false, Message: err.Error()}
		}
		return config.ActionResult{Success: true, Message: "bypass solved a page successfully"}
	})
}

// Run starts the scheduler and serves HTTP until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	cfg := a.Config.Get()
	a.Scheduler.Start()

	a.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: a.Server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", "addr", cfg.ListenAddr)
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown stops everything in dependency order.
func (a *Application) Shutdown() error {
	a.Logger.Info("shutting down")

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(ctx)
	}

	a.Scheduler.Stop()
	a.Gateway.Close()
	return a.Store.Close()
}
