package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"deskline/api/internal/app"
	"deskline/api/internal/bus"
	"deskline/api/internal/config"
	"deskline/api/internal/notify"
	"deskline/api/internal/presence"
	"deskline/api/internal/push"
	"deskline/api/internal/realtime"
	"deskline/api/internal/search"
	"deskline/api/internal/storage"
	"deskline/api/internal/store"
)

type ServeCmd struct {
	SkipMigrations bool `help:"Do not apply pending migrations on startup." env:"DESKLINE_SKIP_MIGRATIONS"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, err := setup(globals)
	if err != nil {
		return err
	}
	log.Info().Str("version", globals.Version).Str("addr", cfg.Addr).Msg("starting deskline api")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if !c.SkipMigrations {
		if err := store.ApplyMigrations(ctx, db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// The bus connects in the background; publishes before it is ready are
	// dropped and consumers start once it is.
	eventBus := bus.New(redisClient, bus.Options{
		MaxAttempts:    cfg.BusMaxAttempts,
		BlockTimeout:   cfg.BusBlockTimeout,
		StreamMaxLen:   cfg.BusStreamMaxLen,
		HealthInterval: cfg.BusHealthInterval,
		RetryDelay:     cfg.BusRetryDelay,
		RetryMaxDelay:  cfg.BusRetryMaxDelay,
		Logger:         log,
	})
	eventBus.Start(ctx)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), log)
	if searchService.IndexEnabled() {
		go searchService.ReindexAllFromPG(ctx)
	}
	search.NewIndexer(searchService).Register(ctx, eventBus)

	files, err := fileResolver(cfg)
	if err != nil {
		return err
	}

	notify.NewRequester(dataStore, eventBus, log).Register(ctx, eventBus)
	notify.NewDeliverer(dataStore, pushProvider(cfg, dataStore), log).Register(ctx, eventBus)

	gateway := realtime.NewGateway(realtime.Options{
		Store:          dataStore,
		Presence:       presence.NewRedisStore(redisClient, cfg.PresenceTTL),
		JWTSecret:      cfg.JWTSecret,
		OriginPatterns: cfg.WSOriginPatterns,
		RefreshEvery:   cfg.PresenceTTL / 2,
		Logger:         log,
	})
	go gateway.Run(ctx)
	gateway.Register(ctx, eventBus)

	service := app.New(cfg, dataStore, app.Options{
		Publisher: eventBus,
		Files:     files,
		Search:    searchService,
		Logger:    log,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log).WithRealtime(gateway)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	stop()
	eventBus.Wait()
	return nil
}

func fileResolver(cfg config.Config) (app.FileResolver, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return nil, nil
	}
	resolver, err := storage.NewResolver(storage.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	return resolver, nil
}

func pushProvider(cfg config.Config, users *store.PostgresStore) push.Provider {
	var providers []push.Provider
	if strings.TrimSpace(cfg.PushWebhookURL) != "" {
		providers = append(providers, push.NewWebhook(cfg.PushWebhookURL, cfg.PushWebhookToken, cfg.PushWebhookTimeout))
	}
	mail := push.MailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}
	if mail.Configured() {
		providers = append(providers, push.NewMailer(mail, users))
	}
	return push.Combine(providers...)
}
