// Command dc-authority-api serves the read-side HTTP API: host/boot-config/
// DHCP lookups, the incremental change feed, and image manifest/download,
// all derived from the filesystem sources of truth kept current by the
// watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/api"
	"github.com/linuxmuster-net/dc-authority/internal/auth"
	"github.com/linuxmuster-net/dc-authority/internal/changelog"
	"github.com/linuxmuster-net/dc-authority/internal/config"
	"github.com/linuxmuster-net/dc-authority/internal/devices"
	"github.com/linuxmuster-net/dc-authority/internal/dhcpexport"
	"github.com/linuxmuster-net/dc-authority/internal/health"
	"github.com/linuxmuster-net/dc-authority/internal/images"
	"github.com/linuxmuster-net/dc-authority/internal/logging"
	"github.com/linuxmuster-net/dc-authority/internal/ratelimit"
	"github.com/linuxmuster-net/dc-authority/internal/scheduler"
	"github.com/linuxmuster-net/dc-authority/internal/startconf"
	"github.com/linuxmuster-net/dc-authority/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to the dc-authority config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dc-authority-api: load config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  logging.LevelInfo,
		Output: os.Stderr,
	})

	devAdapter := devices.New(cfg.MasterInventoryPath)
	if !devAdapter.Load() {
		logger.Warn("initial device inventory load failed, starting with empty set", "path", cfg.MasterInventoryPath)
	}

	scAdapter := startconf.New(cfg.BootConfigDir)
	if !scAdapter.Load() {
		logger.Warn("initial boot-config load failed, starting with empty set", "dir", cfg.BootConfigDir)
	}

	provider := entityProvider{devices: devAdapter, startconf: scAdapter}
	cl, err := changelog.Open(changelog.Options{Path: cfg.ChangelogDBPath, Provider: provider})
	if err != nil {
		logger.Error("failed to open changelog", "err", err)
		os.Exit(1)
	}
	defer cl.Close()

	tokens, err := auth.LoadTokens(cfg.AuthTokenFile, cfg.AuthTokenEnv)
	if err != nil {
		logger.Error("failed to load auth tokens", "err", err)
		os.Exit(1)
	}
	allowlist, err := auth.ParseCIDRs(cfg.IPAllowlist)
	if err != nil {
		logger.Error("failed to parse IP allowlist", "err", err)
		os.Exit(1)
	}
	authMw := auth.NewMiddleware(auth.Config{
		Tokens:      auth.NewTokenSet(tokens),
		Allowlist:   allowlist,
		TrustProxy:  cfg.TrustProxy,
		ExemptPaths: []string{"/health", "/ready"},
	})

	healthChecker := health.NewChecker()
	healthChecker.Register("changelog", func(ctx context.Context) health.Check {
		start := time.Now()
		if _, err := cl.GetChanges(ctx, ""); err != nil {
			return health.Check{Status: health.StatusUnhealthy, Message: err.Error(), LastChecked: start, Duration: time.Since(start)}
		}
		return health.Check{Status: health.StatusHealthy, LastChecked: start, Duration: time.Since(start)}
	})

	srv := api.NewServer(api.Options{
		Devices:   devAdapter,
		StartConf: scAdapter,
		Changelog: cl,
		Images:    images.New(cfg.ImagesRoot),
		DHCPSettings: dhcpexport.NetworkSettings{
			ServerIP:  cfg.DHCPServerIP,
			Subnet:    cfg.DHCPSubnet,
			Interface: cfg.DHCPInterface,
			Domain:    cfg.Domain,
			NISDomain: cfg.DHCPNISDomain,
		},
		Health:      healthChecker,
		AuthMw:      authMw,
		RateLimiter: ratelimit.NewLimiter(),
		RateLimit:   cfg.RateLimitPerMin,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watcher.New(watcher.Options{
		DevicesPath: cfg.MasterInventoryPath,
		BootConfDir: cfg.BootConfigDir,
		Debounce:    time.Duration(cfg.WatchDebounceMS) * time.Millisecond,
		Cooldown:    time.Duration(cfg.WatchCooldownS) * time.Second,
	}, devAdapter, scAdapter, cl, logger.WithComponent("watcher"))

	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error("watcher exited", "err", err)
		}
	}()

	sched := scheduler.New(logger)
	maxAge := time.Duration(cfg.ChangelogMaxAgeHours) * time.Hour
	if err := sched.Add(scheduler.Job{
		Name:     "changelog-compact",
		Interval: time.Duration(cfg.ChangelogCompactIntervalMin) * time.Minute,
		Timeout:  time.Minute,
		Run: func(context.Context) error {
			removed, err := cl.Compact(maxAge, cfg.ChangelogMaxEntries)
			if err != nil {
				return err
			}
			logger.Info("changelog compacted", "removed", removed)
			return nil
		},
	}); err != nil {
		logger.Error("failed to register compaction job", "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("dc-authority-api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
	}
}

// entityProvider bridges the devices/startconf adapters to
// changelog.EntityProvider without introducing a changelog -> adapters
// import cycle.
type entityProvider struct {
	devices   *devices.Adapter
	startconf *startconf.Adapter
}

func (p entityProvider) CurrentEntities() changelog.EntitySets {
	return changelog.EntitySets{
		HostMACs:     p.devices.AllMACs(),
		StartConfIDs: p.startconf.AllIDs(),
		ConfigIDs:    p.startconf.AllIDs(),
	}
}
