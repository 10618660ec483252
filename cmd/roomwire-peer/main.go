// Command roomwire-peer runs a headless standing peer for one or more rooms.
// It joins each room topic and relays traffic without ever decrypting it for
// display, giving interactive clients a stable bootstrap address. Run one on a
// reachable machine and point clients at the printed multiaddrs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roomwire/roomwire/internal/logging"
	"github.com/roomwire/roomwire/internal/relay"
	"github.com/roomwire/roomwire/internal/wire"
)

// A standing peer waits for clients rather than the other way around, so its
// peer-wait deadline is effectively unbounded.
const standingTimeout = 240 * time.Hour

func main() {
	roomsFlag := flag.String("rooms", "", "Comma-separated room codes to serve")
	listenFlag := flag.String("listen", "/ip4/0.0.0.0/tcp/4001", "Comma-separated listen multiaddrs")
	adminFlag := flag.String("admin", "", "Optional metrics/health listen address")
	levelFlag := flag.String("log-level", "info", "Log level")
	mdnsFlag := flag.Bool("mdns", true, "Announce on local network via mDNS")
	flag.Parse()

	codes := splitList(*roomsFlag)
	if len(codes) == 0 {
		fmt.Fprintln(os.Stderr, "at least one room code is required (-rooms)")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(*levelFlag, "json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := relay.NewMetrics(promReg)

	var ready atomic.Bool
	adminSrv := startAdminServer(*adminFlag, promReg, logger, &ready)

	clients := make([]*relay.Client, 0, len(codes))
	for i, code := range codes {
		log := logger.With(zap.String("room", code))
		// Each room runs its own host; only the first gets the configured
		// listen addrs, the rest take ephemeral ports.
		listenAddrs := splitList(*listenFlag)
		if i > 0 {
			listenAddrs = nil
		}
		client, err := relay.NewClient(relay.Config{
			Log:            logger,
			Metrics:        relayMetrics,
			RoomCode:       code,
			ListenAddrs:    listenAddrs,
			ConnectTimeout: standingTimeout,
			EnableMDNS:     *mdnsFlag,
			Handler: func(m wire.Message) {
				// Relayed, never shown. The sender name is the only metadata a
				// standing peer learns about the traffic it carries.
				log.Debug("relayed message", zap.String("sender", m.Sender))
			},
		})
		if err != nil {
			logger.Fatal("build relay client", zap.String("room", code), zap.Error(err))
		}
		clients = append(clients, client)

		go func() {
			if err := client.Connect(ctx); err != nil && ctx.Err() == nil {
				log.Warn("relay connect ended", zap.Error(err))
			}
		}()
	}

	// Hosts are dialable as soon as Connect has built them, well before any
	// topic peer shows up; print the bootstrap addresses then.
	for i, client := range clients {
		printAddrs(ctx, codes[i], client)
	}
	ready.Store(true)

	<-ctx.Done()
	for _, client := range clients {
		client.Teardown()
	}

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	logger.Info("standing peer stopped")
}

func printAddrs(ctx context.Context, room string, client *relay.Client) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := client.AddrInfo()
		if err == nil && len(info.Addrs) > 0 {
			for _, addr := range info.Addrs {
				fmt.Printf("bootstrap peer for %s: %s/p2p/%s\n", room, addr, info.ID)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func startAdminServer(address string, reg *prometheus.Registry, log *zap.Logger, ready *atomic.Bool) *http.Server {
	if address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	log.Info("admin server listening", zap.String("address", address))
	return srv
}
