// Package main runs a stand-in for the headless CMS. It serves seeded JSON
// collections, a health endpoint and the batch endpoint the edge's request
// queue talks to, and it can inject latency and failures for testing the
// edge's retries, breakers and stale serving.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

func main() {
	port := flag.Int("port", 1337, "port to listen on")
	name := flag.String("name", "fakecms", "service name")
	latency := flag.Duration("latency", 0, "delay added to every content request")
	jitter := flag.Duration("jitter", 0, "random extra delay up to this long")
	errorRate := flag.Float64("error-rate", 0, "share of content requests answered with 503 (0..1)")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	if v := os.Getenv("FAKECMS_LATENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*latency = d
		}
	}
	if v := os.Getenv("FAKECMS_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*errorRate = f
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	srv := newServer(options{
		Name:      *name,
		Latency:   *latency,
		Jitter:    *jitter,
		ErrorRate: *errorRate,
	}, seededStore(), logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("fakecms listening", "addr", addr, "latency", *latency, "error_rate", *errorRate)
	if err := http.ListenAndServe(addr, srv); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
