// cmd/proxyharvester/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/coordinator"
	"github.com/valpere/ProxyHarvester/internal/export"
	"github.com/valpere/ProxyHarvester/internal/extractor"
	"github.com/valpere/ProxyHarvester/internal/fetcher"
	"github.com/valpere/ProxyHarvester/internal/geoip"
	"github.com/valpere/ProxyHarvester/internal/monitoring"
	"github.com/valpere/ProxyHarvester/internal/pipeline"
	"github.com/valpere/ProxyHarvester/internal/scheduler"
	"github.com/valpere/ProxyHarvester/internal/scoring"
	"github.com/valpere/ProxyHarvester/internal/store"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/internal/validator"
	"github.com/valpere/ProxyHarvester/pkg/api"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Version information (set by build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// A missing .env is fine; the file only supplements the environment.
	godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(requireConfig("serve"))

	case "crawl":
		configFile := requireConfig("crawl")
		if len(os.Args) < 4 {
			fmt.Fprintf(os.Stderr, "Error: source name required\n")
			fmt.Fprintf(os.Stderr, "Usage: proxyharvester crawl <config.yaml> <source>\n")
			os.Exit(1)
		}
		runCrawl(configFile, os.Args[3])

	case "export":
		configFile := requireConfig("export")
		format := "csv"
		if len(os.Args) > 3 {
			format = os.Args[3]
		}
		runExport(configFile, format)

	case "validate":
		validateConfig(requireConfig("validate"))

	case "version", "--version":
		printVersion()

	case "help", "--help", "-h":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func requireConfig(command string) string {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Error: config file required\n")
		fmt.Fprintf(os.Stderr, "Usage: proxyharvester %s <config.yaml> [args]\n", command)
		os.Exit(1)
	}
	return os.Args[2]
}

// runtime is the composed service: every subsystem wired to the same
// store, logger and configuration.
type runtime struct {
	cfg         *config.Config
	logger      utils.Logger
	store       *store.Store
	geoCache    geoip.Cache
	redisCache  *geoip.RedisCache
	scheduler   *scheduler.Scheduler
	coordinator *coordinator.Coordinator
	metrics     *monitoring.MetricsManager
	health      *monitoring.HealthManager
}

func buildRuntime(configFile string) (*runtime, error) {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := utils.NewLoggerWith(
		utils.ParseLevel(cfg.Logging.Level),
		utils.LogFormat(cfg.Logging.Format),
		os.Stderr,
	)

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, store: db}

	rt.geoCache = geoip.NewMemoryCache()
	if cfg.Redis.URL != "" {
		redisCache, err := geoip.NewRedisCacheFromURL(cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect redis cache: %w", err)
		}
		rt.redisCache = redisCache
		rt.geoCache = redisCache
	}

	chain, err := geoip.NewChain(cfg.Validator.GeoProviders, &http.Client{
		Timeout: cfg.Validator.ProbeTimeout.Std(),
	}, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to build geo provider chain: %w", err)
	}
	resolver := geoip.NewResolver(chain, rt.geoCache, cfg.Validator.GeoCacheTTL.Std(), logger)

	checker := validator.New(cfg.Validator, resolver, db, logger)
	scorer := scoring.New(cfg.Profiles[cfg.Validator.DefaultProfile])

	rt.scheduler, err = scheduler.New(cfg.Scheduler, cfg.Validator.ConcurrentWorkers, checker, db, scorer, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	rt.coordinator = coordinator.New(
		cfg.Coordinator,
		cfg.Sources,
		extractor.NewRegistry(),
		fetcher.New(cfg.Fetcher, logger),
		pipeline.NewTransformer(nil, logger),
		db,
		rt.scheduler,
		logger,
	)

	rt.metrics = monitoring.NewMetricsManager(cfg.Monitoring.Namespace)
	rt.health = monitoring.NewHealthManager(10 * time.Second)
	rt.health.Register("database", monitoring.DatabaseCheck(db))
	if rt.redisCache != nil {
		rt.health.Register("redis", monitoring.RedisCheck(rt.redisCache))
	}
	rt.health.Register("system", monitoring.SystemCheck())
	rt.health.Register("disk", monitoring.DiskCheck("."))

	return rt, nil
}

func (rt *runtime) close() {
	if rt.redisCache != nil {
		rt.redisCache.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

func runServe(configFile string) {
	rt, err := buildRuntime(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configFile, rt.logger)
	if err != nil {
		rt.logger.Warnf("config watcher disabled: %v", err)
	} else {
		defer watcher.Close()
		watcher.OnReload(func(cfg *config.Config) {
			// Structural settings (database, listen address, worker
			// counts) need a restart; source definitions apply on the
			// next sync.
			rt.logger.Info("configuration file changed; source and profile updates apply after restart")
		})
	}

	rt.scheduler.SetMetrics(rt.metrics)
	rt.coordinator.SetMetrics(rt.metrics)
	rt.scheduler.Start(ctx)
	rt.coordinator.Start(ctx)

	// Sample queue, pool and process gauges alongside the scrape surface.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := rt.scheduler.GetSystemStatus()
				rt.metrics.UpdateQueueDepth(status.QueueSize, status.Running)
				if stats, err := rt.store.Stats(ctx); err == nil {
					rt.metrics.UpdatePoolSize(int64(stats.Total), int64(stats.Active))
				}
				rt.metrics.UpdateSystemMetrics()
			}
		}
	}()

	server := api.NewServer(rt.cfg.API, api.Deps{
		Store:     rt.store,
		Scheduler: rt.scheduler,
		Crawler:   rt.coordinator,
		Health:    rt.health,
		Metrics:   rt.metrics,
		Logger:    rt.logger,
	})

	rt.logger.Infof("proxyharvester %s starting", version)
	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: server failed: %v\n", err)
		os.Exit(1)
	}

	rt.logger.Info("shutting down")
	rt.coordinator.Stop()
	rt.scheduler.Stop()
}

func runCrawl(configFile, source string) {
	rt, err := buildRuntime(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The scheduler must run so the submitted validation job makes
	// progress before we exit.
	rt.scheduler.Start(ctx)
	defer rt.scheduler.Stop()

	report, err := rt.coordinator.RunSource(ctx, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: crawl failed: %v\n", err)
		os.Exit(1)
	}

	encoded, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(encoded))
}

func runExport(configFile, format string) {
	rt, err := buildRuntime(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxies, err := collectPool(ctx, rt.store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read pool: %v\n", err)
		os.Exit(1)
	}

	exporter := export.New(rt.cfg.Export, rt.logger)
	path, err := exporter.Export(ctx, proxies, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Exported %d proxies to %s\n", len(proxies), path)

	if rt.cfg.Export.MongoURL != "" {
		archiver, err := export.NewMongoArchiver(ctx, rt.cfg.Export.MongoURL, rt.cfg.Export.MongoDB, rt.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: mongo archive failed: %v\n", err)
			os.Exit(1)
		}
		defer archiver.Close(ctx)

		archived, err := archiver.ArchivePool(ctx, proxies)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: mongo archive failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Archived %d proxies to MongoDB\n", archived)
	}
}

// collectPool pages through the whole proxy table.
func collectPool(ctx context.Context, db *store.Store) ([]types.Proxy, error) {
	var proxies []types.Proxy
	for page := 1; ; page++ {
		result, err := db.Query(ctx, store.Filter{Page: page, PageSize: 500})
		if err != nil {
			return nil, err
		}
		for _, p := range result.Proxies {
			proxies = append(proxies, *p)
		}
		if page >= result.TotalPages {
			break
		}
	}
	return proxies, nil
}

func validateConfig(configFile string) {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration file '%s' is valid\n", configFile)
	fmt.Printf("  Database: %s\n", cfg.Database.Type)
	fmt.Printf("  Sources: %d\n", len(cfg.Sources))
	fmt.Printf("  Profiles: %d\n", len(cfg.Profiles))
	fmt.Printf("  Listen address: %s\n", cfg.API.ListenAddress)
}

func printUsage() {
	fmt.Println("ProxyHarvester - Proxy harvesting and quality scoring service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  proxyharvester serve <config.yaml>             Run the harvesting service")
	fmt.Println("  proxyharvester crawl <config.yaml> <source>    Run one source once and print the report")
	fmt.Println("  proxyharvester export <config.yaml> [format]   Export the pool (csv, json or xlsx)")
	fmt.Println("  proxyharvester validate <config.yaml>          Validate a configuration file")
	fmt.Println("  proxyharvester version                         Show version information")
	fmt.Println("  proxyharvester help                            Show this help message")
}

func printVersion() {
	fmt.Printf("ProxyHarvester %s\n", version)
	fmt.Printf("Build time: %s\n", buildTime)
	fmt.Printf("Git commit: %s\n", gitCommit)
}
