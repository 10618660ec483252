package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roomwire/roomwire/internal/config"
	"github.com/roomwire/roomwire/internal/logging"
	"github.com/roomwire/roomwire/internal/registry"
	"github.com/roomwire/roomwire/internal/relay"
	"github.com/roomwire/roomwire/internal/session"
	"github.com/roomwire/roomwire/internal/wire"
)

const (
	sendTimeout    = 10 * time.Second
	previewMaxRune = 80
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	roomFlag := flag.String("room", "", "Room code to join (overrides config)")
	nameFlag := flag.String("name", "", "Display name (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *roomFlag != "" {
		cfg.Room.Code = *roomFlag
	}
	if *nameFlag != "" {
		cfg.Room.DisplayName = *nameFlag
	}
	if cfg.Room.Code == "" {
		fmt.Fprintln(os.Stderr, "room code is required (-room or room.code)")
		os.Exit(1)
	}
	if cfg.Room.DisplayName == "" {
		fmt.Fprintln(os.Stderr, "display name is required (-name or room.display_name)")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
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
	sessionMetrics := session.NewMetrics(promReg)

	var connected atomic.Bool
	adminSrv := startAdminServer(cfg.Admin, promReg, logger, &connected)

	printer := newTranscriptPrinter()

	sess, err := session.New(session.Config{
		RoomCode:    cfg.Room.Code,
		DisplayName: cfg.Room.DisplayName,
		Log:         logger,
		Metrics:     sessionMetrics,
		Callbacks: session.Callbacks{
			OnMessages: printer.print,
			OnState: func(st relay.State) {
				connected.Store(st == relay.StateConnected)
				fmt.Printf("-- %s\n", st)
				if st == relay.StateError {
					fmt.Println("-- connection failed; restart to retry")
				}
			},
			OnNotify: func(sender, _ string) {
				fmt.Printf("** new message from %s (room closed)\n", sender)
			},
			OnUnread: func(n int) {
				if n > 0 {
					fmt.Printf("** unread: %d\n", n)
				}
			},
		},
		NewRelay: func(onMessage func(wire.Message), onState func(relay.State)) (session.Relay, error) {
			return relay.NewClient(relay.Config{
				Log:            logger,
				Metrics:        relayMetrics,
				RoomCode:       cfg.Room.Code,
				BootstrapPeers: cfg.Relay.BootstrapPeers,
				ListenAddrs:    cfg.Relay.ListenAddrs,
				ConnectTimeout: cfg.Relay.ConnectTimeout,
				EnableMDNS:     cfg.Relay.EnableMDNS,
				Handler:        onMessage,
				OnState:        onState,
			})
		},
	})
	if err != nil {
		logger.Fatal("build session", zap.Error(err))
	}

	rooms := registry.NewInMemory(0)
	if err := rooms.Register(registry.RoomSession{Code: sess.RoomCode(), DisplayName: sess.DisplayName()}); err != nil {
		logger.Fatal("register room", zap.Error(err))
	}

	fmt.Printf("joining room %s as %s\n", sess.RoomCode(), sess.DisplayName())
	sess.Open()
	sess.Connect()

	go readInput(ctx, stop, sess)

	<-ctx.Done()
	sess.Teardown()
	rooms.Delete(sess.RoomCode())

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	logger.Info("bye")
}

// readInput turns stdin lines into messages and slash commands until the
// process context is canceled.
func readInput(ctx context.Context, stop context.CancelFunc, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			stop()
			return
		case line == "/open":
			sess.Open()
			fmt.Println("-- room open")
		case line == "/close":
			sess.Close()
			fmt.Println("-- room closed (messages count as unread)")
		case strings.HasPrefix(line, "/react "):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				fmt.Println("usage: /react <message-id> <emoji>")
				continue
			}
			if err := sess.ToggleReaction(fields[1], fields[2]); err != nil {
				fmt.Printf("-- %v\n", err)
			}
		case strings.HasPrefix(line, "/reply "):
			rest := strings.TrimPrefix(line, "/reply ")
			fields := strings.SplitN(rest, " ", 2)
			if len(fields) != 2 {
				fmt.Println("usage: /reply <message-id> <text>")
				continue
			}
			sendMessage(sess, fields[1], replyPreview(sess, fields[0]))
		default:
			sendMessage(sess, line, nil)
		}
	}
	stop()
}

func sendMessage(sess *session.Session, content string, replyTo *wire.ReplyPreview) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := sess.Send(ctx, content, replyTo); err != nil {
		fmt.Printf("-- send failed: %v\n", err)
	}
}

// replyPreview builds the quoted context for a reply from the transcript.
func replyPreview(sess *session.Session, messageID string) *wire.ReplyPreview {
	for _, entry := range sess.Messages() {
		if entry.ID != messageID {
			continue
		}
		preview := entry.Content
		if runes := []rune(preview); len(runes) > previewMaxRune {
			preview = string(runes[:previewMaxRune])
		}
		return &wire.ReplyPreview{Sender: entry.Sender, Preview: preview}
	}
	return nil
}

// transcriptPrinter prints each transcript entry once, as it first appears.
type transcriptPrinter struct {
	mu      sync.Mutex
	printed map[string]session.Status
}

func newTranscriptPrinter() *transcriptPrinter {
	return &transcriptPrinter{printed: make(map[string]session.Status)}
}

func (p *transcriptPrinter) print(entries []session.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		prev, seen := p.printed[e.ID]
		if seen && prev == e.Status {
			continue
		}
		p.printed[e.ID] = e.Status
		if seen {
			if e.Status == session.StatusFailed {
				fmt.Printf("!! [%s] failed to send\n", e.ID)
			}
			continue
		}
		ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
		if e.ReplyTo != nil {
			fmt.Printf("[%s] %s (re %s: %s): %s\n", ts, e.Sender, e.ReplyTo.Sender, e.ReplyTo.Preview, e.Content)
			continue
		}
		fmt.Printf("[%s] %s: %s\n", ts, e.Sender, e.Content)
	}
}

func startAdminServer(cfg config.AdminConfig, reg *prometheus.Registry, log *zap.Logger, ready *atomic.Bool) *http.Server {
	if cfg.Address == "" {
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
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	log.Info("admin server listening", zap.String("address", cfg.Address))
	return srv
}
