package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/apmstats/apm/apm"
)

var (
	configFile  string
	httpAddr    string
	serverCount int
)

func init() {
	flag.StringVar(&configFile, "config", "", "path to an apm.yaml config file; flags below are used if empty")
	flag.StringVar(&httpAddr, "http-addr", ":3000", "address to serve /metrics and /stats on")
	flag.IntVar(&serverCount, "servers", 3, "number of synthetic upstream servers to simulate")
}

func main() {
	logger := log.NewLogfmtLogger(os.Stderr)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := loadConfig()
	if err != nil {
		level.Error(logger).Log("msg", "failed to load config", "err", err)
		os.Exit(1)
	}

	mgr, err := apm.NewManager(cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to start apm manager", "err", err)
		os.Exit(1)
	}

	handles := make([]apm.Handle, serverCount)
	for i := range handles {
		handles[i] = mgr.Create(fmt.Sprintf("upstream-%d", i))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go simulateTraffic(mgr, handles)
	go serveHTTP(logger, mgr, handles)

	<-stop
	level.Info(logger).Log("msg", "shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		level.Error(logger).Log("msg", "error during shutdown", "err", err)
	}
}

func loadConfig() (apm.Config, error) {
	var cfg apm.Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.Parse()

	if configFile == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// simulateTraffic feeds each handle a steady stream of synthetic response
// times so the demo has something to show on /stats immediately.
func simulateTraffic(mgr *apm.Manager, handles []apm.Handle) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for now := range ticker.C {
		ts := now.UnixMilli()
		for _, h := range handles {
			rtt := uint32(rng.Intn(200) + 1)
			if rng.Intn(100) == 0 {
				rtt += uint32(rng.Intn(5000))
			}
			mgr.Update(h, ts, rtt)
		}
	}
}

func serveHTTP(logger log.Logger, mgr *apm.Manager, handles []apm.Handle) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		for i, h := range handles {
			res, _, _ := mgr.Query(h, 0)
			fmt.Fprintf(w, "upstream-%d: filled=%v min=%d max=%d avg=%.1f percentiles=%v\n",
				i, res.Filled, res.Min, res.Max, res.Avg, res.Percentiles)
		}
	})

	level.Info(logger).Log("msg", "serving", "addr", httpAddr)
	if err := http.ListenAndServe(httpAddr, mux); err != nil {
		level.Error(logger).Log("msg", "http server exited", "err", err)
	}
}
