// Command proxy is Privaxy: a local HTTPS-intercepting forward proxy that
// blocks ads and trackers and rewrites matched pages with cosmetic filters.
//
// It terminates every CONNECT tunnel with a leaf certificate minted on the
// fly from a locally trusted CA, filters each request through a
// single-threaded rule engine, and streams HTML responses through a
// cosmetic-injection rewriter. A companion admin HTTP API exposes runtime
// status, metrics, the blocking toggle, the exclusion list, custom filter
// rules and the filter list catalogue.
//
// Usage:
//
//	./proxy
//
// Point a client at the proxy port and trust the CA certificate written to
// the configured ca_certificate_path. Ports
// and most settings come from the config file; PRIVAXY_CONFIG_PATH,
// PRIVAXY_BASE_PATH and PRIVAXY_IP_ADDRESS override it (see internal/config).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"privaxy-go/internal/config"
	"privaxy-go/internal/engine"
	"privaxy-go/internal/events"
	"privaxy-go/internal/exclusion"
	"privaxy-go/internal/filtercache"
	"privaxy-go/internal/httpclient"
	"privaxy-go/internal/logger"
	"privaxy-go/internal/management"
	"privaxy-go/internal/metrics"
	"privaxy-go/internal/mitm"
	"privaxy-go/internal/proxy"
	"privaxy-go/internal/updater"
)

const filterCacheCapacity = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Network.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid network settings: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("PROXY", cfg.LogLevel)

	printBanner(cfg)

	ca, err := mitm.LoadOrGenerateCA(cfg.CA.CertificatePath, cfg.CA.PrivateKeyPath)
	if err != nil {
		log.Fatalf("ca", "%v", err)
	}

	m := metrics.New()
	ca.SetMintObserver(func(d time.Duration) {
		m.CertMints.Add(1)
		m.RecordMintLatency(d)
	})

	broadcast := events.NewBroadcaster()
	exclusions := exclusion.New()
	exclusions.Replace(cfg.Exclusions)

	blocking := engine.NewFlag()
	worker := engine.NewWorker(blocking, func() { m.EngineSwaps.Add(1) })
	go worker.Run()
	defer worker.Stop()
	engineClient := engine.NewClient(worker)

	cacheDir := cacheDirFor(cfg)
	cache, err := filtercache.New(cacheDir, filterCacheCapacity)
	if err != nil {
		log.Fatalf("filtercache", "%v", err)
	}
	defer cache.Close() //nolint:errcheck

	outbound := httpclient.New()

	upd := updater.New(cache, outbound, engineClient, logger.New("UPDATER", cfg.LogLevel), 10*time.Minute)
	if len(cfg.Filters) == 0 {
		cfg.Filters = seedDefaultFilters(cfg, log)
	}
	upd.SetLists(toFilterLists(cfg.Filters))
	upd.SetCustomRules(joinLines(cfg.CustomFilters))

	updaterCtx, cancelUpdater := context.WithCancel(context.Background())
	defer cancelUpdater()
	go upd.Run(updaterCtx)

	mgmt := management.New(cfg, exclusions, blocking, m, upd, broadcast, logger.New("MANAGEMENT", cfg.LogLevel), os.Getenv("PRIVAXY_ADMIN_TOKEN"))
	go func() {
		if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("management", "%v", err)
		}
	}()

	proxyServer := proxy.New(engineClient, exclusions, blocking, m, broadcast, outbound, ca, log)

	addr := fmt.Sprintf("%s:%d", cfg.Network.BindAddr, cfg.Network.ProxyPort)
	log.Infof("listen", "proxy listening on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           proxyServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sig {
			if s == syscall.SIGHUP {
				log.Info("reload", "received SIGHUP, reloading configuration")
				reloaded, err := config.Load()
				if err != nil {
					log.Errorf("reload", "%v", err)
					continue
				}
				exclusions.Replace(reloaded.Exclusions)
				upd.SetLists(toFilterLists(reloaded.Filters))
				upd.SetCustomRules(joinLines(reloaded.CustomFilters))

				changed, caErr := ca.Reload(reloaded.CA.CertificatePath, reloaded.CA.PrivateKeyPath)
				if caErr != nil {
					log.Errorf("reload", "CA material: %v", caErr)
				} else if changed {
					log.Info("reload", "CA material changed, leaf certificate cache flushed")
				}
				continue
			}

			log.Info("shutdown", "shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := srv.Shutdown(ctx); err != nil {
				log.Errorf("shutdown", "%v", err)
			}
			cancel()
			return
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen", "%v", err)
	}
}

// seedDefaultFilters populates an empty filter catalogue with the built-in
// list set on first run, persisting the result so subsequent starts read it
// back from disk instead of reseeding.
func seedDefaultFilters(cfg *config.Configuration, log *logger.Logger) []config.Filter {
	defaultLists := updater.DefaultFilterLists(filtercache.FileName)
	filters := make([]config.Filter, 0, len(defaultLists))
	for _, fl := range defaultLists {
		filters = append(filters, config.Filter{
			Enabled:  fl.Enabled,
			Title:    fl.Title,
			Group:    fl.Group,
			FileName: fl.FileName,
			URL:      fl.URL,
		})
	}
	cfg.Filters = filters
	if err := cfg.Save(); err != nil {
		log.Warnf("config_seed", "failed to persist default filter catalogue: %v", err)
	}
	return filters
}

func toFilterLists(filters []config.Filter) []updater.FilterList {
	lists := make([]updater.FilterList, 0, len(filters))
	for _, f := range filters {
		lists = append(lists, updater.FilterList{
			Enabled:  f.Enabled,
			Title:    f.Title,
			Group:    f.Group,
			FileName: f.FileName,
			URL:      f.URL,
		})
	}
	return lists
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// cacheDirFor resolves the filter cache directory per spec.md §6's
// environment variable precedence: PRIVAXY_FILTER_PATH wins outright, else
// it's the "filters" subdirectory of PRIVAXY_BASE_PATH or $HOME/.privaxy.
func cacheDirFor(cfg *config.Configuration) string {
	if dir := os.Getenv("PRIVAXY_FILTER_PATH"); dir != "" {
		return dir
	}
	if dir := os.Getenv("PRIVAXY_BASE_PATH"); dir != "" {
		return dir + "/filters"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".privaxy/filters"
	}
	return home + "/.privaxy/filters"
}

func printBanner(cfg *config.Configuration) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║                      Privaxy (Go)                    ║
╚══════════════════════════════════════════════════════╝
  Proxy port   : %d
  Web port     : %d
  Bind address : %s
  CA cert      : %s
  Log level    : %s

  Point clients here:
    export HTTP_PROXY=http://%s:%d
    export HTTPS_PROXY=http://%s:%d

  Check status:
    curl http://%s:%d/status
`, cfg.Network.ProxyPort, cfg.Network.WebPort, cfg.Network.BindAddr,
		cfg.CA.CertificatePath, cfg.LogLevel,
		cfg.Network.BindAddr, cfg.Network.ProxyPort,
		cfg.Network.BindAddr, cfg.Network.ProxyPort,
		cfg.Network.BindAddr, cfg.Network.WebPort)
}
