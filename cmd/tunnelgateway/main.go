// Package main provides the entry point for the tunnelgateway application.
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

	"tunnelgateway/internal/api"
	"tunnelgateway/internal/config"
	"tunnelgateway/internal/dnsproxy"
	"tunnelgateway/internal/limit"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/monitor"
	"tunnelgateway/internal/proxy"
	"tunnelgateway/internal/route"
	"tunnelgateway/internal/rules"
	"tunnelgateway/internal/tunnel"
)

var (
	configPath  = flag.String("config", "config.json", "Path to global configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	debugMode   = flag.Bool("debug", false, "Enable debug logging")
)

const statsInterval = 15 * time.Second

func main() {
	flag.Parse()

	logger.Init()

	if *showVersion {
		fmt.Printf("tunnelgateway %s\n", logger.Version)
		fmt.Printf("Build Time: %s\n", logger.BuildTime)
		fmt.Printf("Git Commit: %s\n", logger.GitCommit)
		os.Exit(0)
	}

	globalConfig, err := config.LoadGlobalConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load global config: %v", err)
		os.Exit(1)
	}

	level := logger.ParseLevel(globalConfig.Log.Level)
	if *debugMode {
		level = logger.LevelDebug
	}
	logger.SetDefaultLevel(level)

	logConfig := &logger.LogConfig{
		LogDir:           globalConfig.Log.Dir,
		RetentionDays:    globalConfig.Log.RetentionDays,
		MaxSizeMB:        globalConfig.Log.MaxSizeMB,
		EnableFileLog:    globalConfig.Log.File,
		EnableConsoleLog: true,
	}
	if err := logger.Configure(logConfig); err != nil {
		logger.Error("Failed to configure file logging: %v", err)
		// Continue without file logging
	}
	defer logger.Close()

	outbounds := config.NewOutboundConfigManager(globalConfig.OutboundsFile)
	if err := outbounds.Load(); err != nil {
		logger.Error("Failed to load outbound configurations: %v", err)
		os.Exit(1)
	}

	inbounds := config.NewInboundConfigManager(globalConfig.InboundsFile)
	if err := inbounds.Load(); err != nil {
		logger.Error("Failed to load inbound configurations: %v", err)
		os.Exit(1)
	}

	logger.LogStartup(&logger.StartupConfig{
		StatusAddr:      globalConfig.StatusAddr,
		InboundCount:    inbounds.Count(),
		OutboundCount:   outbounds.Count(),
		RuleSourceCount: len(globalConfig.RuleSources),
		RefreshInterval: globalConfig.RuleRefreshInterval(),
		LogDir:          globalConfig.Log.Dir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rule sets load before routing starts; a failed source stays empty or
	// stale and is retried on the next refresh.
	sources := make([]rules.Source, 0, len(globalConfig.RuleSources))
	for _, s := range globalConfig.RuleSources {
		sources = append(sources, rules.Source{Name: s.Name, URL: s.URL, Inline: s.Inline})
	}
	fetcher := rules.NewFetcher(&http.Client{Timeout: 30 * time.Second}, globalConfig.RuleCacheDir)
	engine, err := rules.NewEngine(fetcher, sources, globalConfig.RuleRefreshInterval())
	if err != nil {
		logger.Error("Invalid rule sources: %v", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Warn("Initial rule load incomplete: %v", err)
	}
	defer engine.Stop()

	router, err := route.NewRouter(globalConfig, outbounds, engine)
	if err != nil {
		logger.Error("Invalid routes: %v", err)
		os.Exit(1)
	}
	users, err := route.NewUsers(globalConfig.Users)
	if err != nil {
		logger.Error("Invalid users: %v", err)
		os.Exit(1)
	}
	limiter := limit.NewLimiter(globalConfig.Users)
	limiter.LimitAnonymous(globalConfig.AnonymousRateLimit, globalConfig.AnonymousBurst)

	pool := dnsproxy.NewPool(proxy.DNSUpstreams(outbounds.All(), globalConfig.DNSTimeout()))
	defer pool.Close()
	dialer := proxy.NewDialer(outbounds, pool, globalConfig.ResolveCacheTTL())

	mon := monitor.NewMonitor()
	metrics := monitor.NewMetrics(mon)
	accessLog := monitor.NewAccessLog(metrics, monitor.DefaultRecentRecords)

	connector := &tunnel.Connector{
		Router:      router,
		Dialer:      dialer,
		Strategies:  proxy.Strategy,
		AccessLog:   accessLog,
		Limiter:     limiter,
		DialTimeout: globalConfig.DialTimeout(),
		Buffers:     tunnel.NewBufferPool(globalConfig.BufferSize),
	}

	manager := proxy.NewManager(inbounds, proxy.Deps{
		Connector:  connector,
		Users:      users,
		Tracker:    metrics,
		DNSTimeout: globalConfig.DNSTimeout(),
	})
	if err := manager.Start(); err != nil {
		logger.Error("Some inbounds failed to start: %v", err)
	}

	inbounds.SetOnChange(func() {
		if err := manager.Reload(); err != nil {
			logger.Error("Some inbounds failed to restart: %v", err)
		}
	})
	if err := inbounds.Watch(ctx); err != nil {
		logger.Warn("Inbound config watching disabled: %v", err)
	}

	statusServer := api.NewServer(api.Options{
		Metrics:        metrics,
		Monitor:        mon,
		AccessLog:      accessLog,
		Rules:          engine,
		Inbounds:       manager,
		AllowedOrigins: globalConfig.StatusOrigins,
	})
	logger.Info("Starting status server on %s", globalConfig.StatusAddr)
	if err := statusServer.Start(globalConfig.StatusAddr); err != nil {
		logger.Error("Status server error: %v", err)
	}

	go publishStats(ctx, metrics, engine, pool)

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping services...")

	if err := statusServer.Stop(); err != nil {
		logger.Error("Error stopping status server: %v", err)
	}
	inbounds.StopWatch()
	manager.Stop()

	logger.Info("Shutdown complete")
}

// publishStats copies rule set and DNS upstream state into the metrics
// until ctx ends.
func publishStats(ctx context.Context, metrics *monitor.Metrics, engine *rules.Engine, pool *dnsproxy.Pool) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		for _, s := range engine.Status() {
			metrics.SetRuleSet(s.Name, s.Rules, s.Stale)
		}
		for name, n := range pool.Pending() {
			metrics.SetDNSPending(name, n)
		}
		metrics.Update()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
