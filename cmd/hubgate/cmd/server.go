package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/hubgate/api"
	"github.com/jmcleod/hubgate/directory"
	"github.com/jmcleod/hubgate/envelope"
	"github.com/jmcleod/hubgate/handoff"
	"github.com/jmcleod/hubgate/internal/config"
	"github.com/jmcleod/hubgate/internal/util"
	"github.com/jmcleod/hubgate/keys"
	"github.com/jmcleod/hubgate/maintenance"
)

var (
	listenAddr string
	dataDir    string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServerFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, err := cfg.Log.NewLogger()
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx := context.Background()
		repo, closeRepo, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		secret, err := loadStorageSecret(cfg.Resolve(cfg.Keys.StorageSecret))
		if err != nil {
			return err
		}
		tokens, err := newTokenManager(cfg, repo, secret)
		if err != nil {
			return err
		}

		ring, err := keys.Load(keys.Paths{
			SigningKey:    cfg.Resolve(cfg.Keys.SiteSigningKey),
			PeerPublicKey: cfg.Resolve(cfg.Keys.HubPublicKey),
			Identity:      cfg.Resolve(cfg.Keys.SiteIdentity),
			PeerRecipient: cfg.Resolve(cfg.Keys.HubRecipient),
		})
		if err != nil {
			return fmt.Errorf("failed to load keys: %w", err)
		}
		defer ring.Destroy()

		store, closeHandoff, err := openHandoffStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeHandoff()

		users, err := directory.LoadFile(cfg.Resolve(cfg.UsersFile), repo)
		if err != nil {
			return fmt.Errorf("failed to load users: %w", err)
		}
		inventory, err := maintenance.LoadInventory(cfg.Resolve(cfg.InventoryFile))
		if err != nil {
			return fmt.Errorf("failed to load inventory: %w", err)
		}

		wrappingKey, err := sessionWrappingKey(secret)
		if err != nil {
			return err
		}
		sessions, err := api.NewPersistentSessionStore(ctx, repo, cfg.Session.IdleTimeout.Std(), wrappingKey)
		util.WipeBytes(wrappingKey)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer sessions.Close()

		trusted, err := api.WithTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return err
		}
		a := api.New(api.Config{
			Codec:    envelope.NewCodec(ring),
			Tokens:   tokens,
			Handoff:  handoff.NewBroker(store, handoff.WithTTL(cfg.Tokens.HandoffTTL.Std())),
			Users:    users,
			Updater:  inventory,
			Repo:     repo,
			SiteURL:  cfg.SiteURL,
			AdminURL: cfg.AdminURL,
			LoginURL: cfg.LoginURL,
		},
			api.WithLogger(logger),
			api.WithSessionStore(sessions),
			api.WithSessionTTL(cfg.Session.TTL.Std()),
			api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeader),
			api.WithAuditRetention(cfg.Audit.Retention.Std(), cfg.Audit.MaxRecords),
			trusted,
		)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", a.MetricsHandler())
		r.Mount("/api/v1", a.Router())
		r.Mount("/admin", a.AdminRouter())

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if !cfg.TLS.Disabled {
			tlsConfig, err := serverTLSConfig(cfg.TLS, logger)
			if err != nil {
				return err
			}
			server.TLSConfig = tlsConfig
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			"listen", cfg.Listen,
			"site_url", cfg.SiteURL,
			"storage", cfg.Storage.Backend,
			"handoff", cfg.Handoff.Backend,
			"tls", !cfg.TLS.Disabled)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// applyServerFlags lets explicitly set flags override the config file.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.TLS.Cert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLS.Key = tlsKey
	}
}

func openHandoffStore(ctx context.Context, cfg config.Config) (handoff.Store, func(), error) {
	if cfg.Handoff.Backend != config.BackendRedis {
		return handoff.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Handoff.RedisAddr,
		Password: cfg.Handoff.RedisPassword,
		DB:       cfg.Handoff.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return handoff.NewRedisStore(client, cfg.Handoff.RedisPrefix), func() { _ = client.Close() }, nil
}

func serverTLSConfig(c config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if c.Cert != "" && c.Key != "" {
		cert, err = tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8443", "Address to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
