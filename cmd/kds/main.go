package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/appetiteclub/orderdesk/internal/auth"
	"github.com/appetiteclub/orderdesk/internal/board"
	"github.com/appetiteclub/orderdesk/internal/config"
	applog "github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/realtime"
	"github.com/appetiteclub/orderdesk/internal/restapi"
	"github.com/appetiteclub/orderdesk/internal/session"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

const (
	appNamespace = "KDS"
	appName      = "kds"
	appVersion   = "0.1.0"
)

const (
	clearScreen  = "\033[H\033[2J"
	ageTick      = 30 * time.Second
	devTokenTTL  = 12 * time.Hour
	shutdownWait = 5 * time.Second
)

func defaults() map[string]any {
	return map[string]any{
		"api.url":                 "http://localhost:8080",
		"nats.url":                "nats://localhost:4222",
		"nats.reconnect":          "2s",
		"user.name":               "kitchen",
		"mode":                    "kitchen",
		"fetch.timeout":           "10s",
		"refetch.interval":        "2s",
		"log.level":               "info",
		"log.format":              "console",
		"log.output":              "stderr",
		"metrics.addr":            "",
		"auth.dev.secret":         "",
		"restaurant.id":           "",
		"status.filter":           "",
		"api.token":               "",
		"render.debounce":         "100ms",
		"channel.backoff.initial": "1s",
		"channel.backoff.max":     "30s",
	}
}

func main() {
	cfg, err := config.Load(appNamespace, os.Args[1:], defaults())
	if err != nil {
		log.Fatalf("%s(%s) cannot setup: %v", appName, appVersion, err)
	}

	logger := applog.New(applog.Config{
		Level:  cfg.StringOr("log.level", "info"),
		Format: cfg.StringOr("log.format", "console"),
		Output: cfg.StringOr("log.output", "stderr"),
	}).With(zap.String("app", appName), zap.String("version", appVersion))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	restaurantID, err := cfg.Require("restaurant.id")
	if err != nil {
		log.Fatalf("%s(%s) cannot setup: %v", appName, appVersion, err)
	}

	user := cfg.StringOr("user.name", "kitchen")
	tokens := tokenSource(cfg, user)
	token, err := resolveToken(cfg, tokens, restaurantID)
	if err != nil {
		log.Fatalf("%s(%s) cannot resolve API token: %v", appName, appVersion, err)
	}

	mode, err := parseMode(cfg.StringOr("mode", "kitchen"))
	if err != nil {
		log.Fatalf("%s(%s) cannot setup: %v", appName, appVersion, err)
	}

	filter, err := orderstatus.ParseList(cfg.StringOr("status.filter", ""))
	if err != nil {
		log.Fatalf("%s(%s) cannot parse status filter: %v", appName, appVersion, err)
	}

	metrics := telemetry.New()
	if addr := cfg.StringOr("metrics.addr", ""); addr != "" {
		srv := serveMetrics(addr, metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	fetchTimeout := cfg.DurationOr("fetch.timeout", 10*time.Second)
	api := restapi.NewClient(cfg.StringOr("api.url", "http://localhost:8080"), token, logger,
		restapi.WithTimeout(fetchTimeout))

	dialer := realtime.NATSDialer{
		URL:           cfg.StringOr("nats.url", "nats://localhost:4222"),
		ReconnectWait: cfg.DurationOr("nats.reconnect", 2*time.Second),
	}
	channel := realtime.NewClient(dialer, realtime.Identity{Token: token, User: user}, realtime.Options{
		InitialBackoff: cfg.DurationOr("channel.backoff.initial", time.Second),
		MaxBackoff:     cfg.DurationOr("channel.backoff.max", 30*time.Second),
		Metrics:        metrics,
	}, logger)

	sess, err := session.New(session.Deps{
		Channel: channel,
		API:     api,
		Logger:  logger,
		Metrics: metrics,
		Tokens:  tokens,
	}, session.Options{
		RestaurantID:    restaurantID,
		Mode:            mode,
		StatusFilter:    filter,
		FetchTimeout:    fetchTimeout,
		RefetchInterval: cfg.DurationOr("refetch.interval", 2*time.Second),
	})
	if err != nil {
		log.Fatalf("%s(%s) cannot create session: %v", appName, appVersion, err)
	}

	view := newScreen(sess, board.New(), os.Stdout, isatty.IsTerminal(os.Stdout.Fd()), logger)
	release := sess.OnChange(view.invalidate)
	defer release()

	renderCtx, cancelRender := context.WithCancel(ctx)
	defer cancelRender()
	go view.run(renderCtx, cfg.DurationOr("render.debounce", 100*time.Millisecond))

	if err := sess.Connect(ctx); err != nil {
		logger.Warn("initial fetch failed, board shows last known state", zap.Error(err))
	}
	defer sess.Disconnect()

	logger.Info("kitchen display started",
		zap.String("restaurant_id", restaurantID),
		zap.String("mode", mode.String()),
	)

	c := &console{session: sess, out: os.Stdout}
	lines := readLines(ctx, os.Stdin)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintf(os.Stdout, "error: %v\n%s\n", err, usage)
				continue
			}
			if c.execute(ctx, cmd) {
				return
			}
			view.invalidate()
		}
	}
}

// resolveToken prefers api.token for the startup restaurant and falls back
// to the per-restaurant source.
func resolveToken(cfg *config.Config, tokens session.TokenSource, restaurantID string) (string, error) {
	if token := cfg.StringOr("api.token", ""); token != "" {
		return token, nil
	}
	return tokens(restaurantID)
}

// tokenSource hands out a token scoped to each restaurant the display moves
// to: api.tokens.<restaurant> when configured, otherwise one minted from
// auth.dev.secret.
func tokenSource(cfg *config.Config, user string) session.TokenSource {
	return func(restaurantID string) (string, error) {
		if token := cfg.StringOr("api.tokens."+restaurantID, ""); token != "" {
			return token, nil
		}
		secret := cfg.StringOr("auth.dev.secret", "")
		if secret == "" {
			return "", fmt.Errorf("set api.tokens.%s or auth.dev.secret", restaurantID)
		}
		return auth.Issue(secret, user, restaurantID, devTokenTTL)
	}
}

func parseMode(raw string) (session.Mode, error) {
	switch strings.ToLower(raw) {
	case "kitchen", "":
		return session.ModeKitchen, nil
	case "dashboard":
		return session.ModeDashboard, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want kitchen or dashboard)", raw)
	}
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
