// Command relayd runs the relay server: it wires configuration, logging,
// the event store, rate limiter, spam filter, subscription manager and
// security policy together behind a websocket listener and side HTTP
// endpoints. Grounded on the cobra root-command structure in
// cuemby-warren's cmd/warren/main.go (persistent flags initializing
// logging via cobra.OnInitialize, a version template, subcommands), and
// the teacher's plain bootstrap in main.go for what gets constructed and
// in what order.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"novarelay.dev/internal/chk"
	"novarelay.dev/internal/config"
	"novarelay.dev/internal/httpapi"
	"novarelay.dev/internal/logging"
	"novarelay.dev/internal/ratelimit"
	"novarelay.dev/internal/security"
	"novarelay.dev/internal/session"
	"novarelay.dev/internal/spam"
	"novarelay.dev/internal/store/postgres"
	"novarelay.dev/internal/subscription"
	"novarelay.dev/internal/validator"
	"novarelay.dev/internal/ws"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "relayd",
		Short:   "novarelay -- a nostr-style event relay",
		Version: Version,
	}
	root.SetVersionTemplate(fmt.Sprintf("relayd version %s (%s)\n", Version, Commit))
	root.AddCommand(serveCmd(), envCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("%s (%s)\n", Version, Commit)
			return nil
		},
	}
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cmd.Println(color.GreenString("%+v", cfg))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabasePoolCap)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { chk.E(st.Close()) }()

	limiter := ratelimit.New(ratelimit.Config{
		SourceCapacity:          cfg.RateLimitSourceCapacity,
		SourceRefill:            cfg.RateLimitSourceRefill,
		AuthorCapacity:          cfg.RateLimitAuthorCapacity,
		AuthorRefill:            cfg.RateLimitAuthorRefill,
		SubscriptionCost:        cfg.SubscriptionCost,
		MaxConnectionsPerSource: cfg.MaxConnectionsPerSource,
		MaxBucketsPerTable:      100_000,
	}, cfg.AllowList, cfg.DenyList)

	spamFilter := spam.New(spam.Config{
		Keywords:            cfg.SpamKeywords,
		ShortenerDomains:    cfg.ShortenerDomains,
		DuplicateWindow:     time.Duration(cfg.DuplicateWindowSec) * time.Second,
		MaxEventsPerMinute:  cfg.MaxEventsPerMinute,
		MinContentLength:    cfg.MinContentLength,
		MaxMentionsPerEvent: cfg.MaxMentionsPerEvent,
		MaxURLsPerEvent:     cfg.MaxURLsPerEvent,
		MaxTagsPerEvent:     cfg.MaxTagsPerEvent,
		MaxHashtagsPerEvent: cfg.MaxHashtagsPerEvent,
	})

	subs := subscription.New(time.Minute)
	policy := security.New(cfg.RelayURL)

	deps := session.Deps{
		Limiter:      limiter,
		SpamFilter:   spamFilter,
		Store:        st,
		Subscription: subs,
		Security:     policy,
	}
	limits := session.Limits{
		MaxSubIDLength:   cfg.MaxSubIDLength,
		MaxSubscriptions: cfg.MaxSubscriptions,
		MaxFilters:       cfg.MaxFilters,
		MaxLimit:         cfg.MaxLimit,
		PowMinimum:       cfg.PowMinimum,
		AuthRequired:     cfg.AuthRequired,
		AuthAllowList:    cfg.AuthAllowList,
		ValidatorLimits: validator.Limits{
			MaxEventBytes:    cfg.MaxEventBytes,
			MaxEventTags:     cfg.MaxEventTags,
			MaxContentLength: cfg.MaxContentLength,
		},
	}

	go runMaintenance(ctx, limiter, spamFilter)

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewRouter(httpapi.Deps{
		Info: infoDocument(cfg),
		Security: policy,
	}))
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		ws.Serve(ctx, w, r, deps, limits, policy, limiter, remoteAddr(r))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	logging.L().Info().Str("addr", addr).Msg("relay listening")
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err = <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func runMaintenance(ctx context.Context, limiter *ratelimit.Limiter, spamFilter *spam.Filter) {
	hourly := time.NewTicker(time.Hour)
	fiveMin := time.NewTicker(5 * time.Minute)
	defer hourly.Stop()
	defer fiveMin.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-hourly.C:
			limiter.Cleanup(now)
		case now := <-fiveMin.C:
			spamFilter.Cleanup(now)
		}
	}
}

func infoDocument(cfg *config.C) httpapi.InfoDocument {
	return httpapi.InfoDocument{
		Name:          cfg.RelayName,
		Description:   cfg.RelayDescription,
		Pubkey:        cfg.RelayPubkey,
		Contact:       cfg.RelayContact,
		SupportedNIPs: []int{1, 9, 11, 42},
		Software:      "novarelay",
		Version:       Version,
		Limitation: httpapi.Limitation{
			MaxMessageLength: cfg.MaxEventBytes,
			MaxSubscriptions: cfg.MaxSubscriptions,
			MaxLimit:         cfg.MaxLimit,
			MaxEventTags:     cfg.MaxEventTags,
			MaxContentLength: cfg.MaxContentLength,
			AuthRequired:     cfg.AuthRequired,
			MinPowDifficulty: cfg.PowMinimum,
		},
	}
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
