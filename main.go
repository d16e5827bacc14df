package main

import (
	"flag"
	"log/slog"
	"os"
)

func main() {
	configPath := flag.String("config", "dnschat.yaml", "path to config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	metrics := newMetrics(cfg, log)
	if err := metrics.Start(); err != nil {
		log.Warn("failed to start metrics", "err", err)
	}

	cache, err := newAnswerCache(cfg, log)
	if err != nil {
		log.Warn("failed to initialize cache - caching disabled", "err", err)
	}

	limiter := newIPLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec)
	llm := newLLMClient(cfg, log, metrics)

	server := newDNSServer(cfg, log, limiter, llm, cache, metrics)
	if err := server.Start(); err != nil {
		log.Error("dns server failed", "err", err)
		os.Exit(1)
	}
}
