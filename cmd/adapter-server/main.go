package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dhisfhir/adapter/internal/config"
	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/domain/rule"
	syncdomain "github.com/dhisfhir/adapter/internal/domain/sync"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/domain/transform"
	"github.com/dhisfhir/adapter/internal/platform/db"
	"github.com/dhisfhir/adapter/internal/platform/dhis"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
	"github.com/dhisfhir/adapter/internal/platform/lock"
	"github.com/dhisfhir/adapter/internal/platform/middleware"
	"github.com/dhisfhir/adapter/internal/platform/script"
	"github.com/dhisfhir/adapter/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "adapter-server",
		Short: "DHIS2-FHIR synchronization adapter",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the adapter server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Remote endpoints
	dhisClient := dhis.NewClient(dhis.Options{
		BaseURL:    cfg.DHIS2BaseURL,
		APIVersion: cfg.DHIS2APIVersion,
		Username:   cfg.DHIS2Username,
		Password:   cfg.DHIS2Password,
		Timeout:    cfg.DHIS2Timeout,
		Logger:     logger,
	})
	fhirClient := fhirclient.NewClient(fhirclient.Options{
		BaseURL: cfg.FHIRBaseURL,
		Token:   cfg.FHIRToken,
		Version: fhirclient.Version(cfg.FHIRVersion),
		Timeout: cfg.FHIRTimeout,
		Logger:  logger,
	})

	// Domain services
	metaSvc := metadata.NewService(dhisClient, logger)
	trackerSvc := tracker.NewService(dhisClient, metaSvc, logger)
	resolver := rule.NewResolver(rule.NewRepoPG(pool))
	locks := lock.NewManager()

	var fallbackOrgUnit metadata.Reference
	if cfg.DefaultOrgUnitCode != "" {
		fallbackOrgUnit = metadata.ByCode(cfg.DefaultOrgUnitCode)
	}
	transformSvc := transform.NewService(
		resolver,
		metaSvc,
		trackerSvc,
		fhirClient,
		transform.NewAssignmentRepoPG(pool),
		script.NewExecutor(),
		transform.Options{
			NationalIdentifierSystem: cfg.NationalIdentifierSystem,
			AdapterIdentifierSystem:  cfg.AdapterIdentifierSystem,
			FallbackOrgUnit:          fallbackOrgUnit,
		},
		logger,
	)

	transformContext := func() *transform.Context {
		return &transform.Context{
			FhirVersion:           fhirClient.Version(),
			UseAdapterIdentifiers: cfg.UseAdapterIdentifier,
			Locks:                 locks.NewContext(),
		}
	}

	// Item handlers consume queued/notified items: fetch the current state of
	// the resource and run it through the transformation pipeline. A resource
	// that no longer exists is a stale notification, not an error.
	dhisItemHandler := func(ctx context.Context, item syncdomain.ItemInfo) error {
		kind, id, ok := strings.Cut(item.ID, "/")
		if !ok {
			return fmt.Errorf("malformed item id %q", item.ID)
		}
		switch rule.DhisResourceType(kind) {
		case rule.DhisResourceTrackedEntity:
			tei, err := trackerSvc.FindByID(ctx, id)
			if err != nil {
				return err
			}
			if tei == nil {
				logger.Debug().Str("item", item.ID).Msg("tracked entity no longer exists")
				return nil
			}
			_, err = transformSvc.ExportTrackedEntity(ctx, transformContext(), tei)
			return err
		case rule.DhisResourceEnrollment:
			en, err := trackerSvc.FindEnrollmentByID(ctx, id)
			if err != nil {
				return err
			}
			if en == nil {
				logger.Debug().Str("item", item.ID).Msg("enrollment no longer exists")
				return nil
			}
			_, err = transformSvc.ExportEnrollment(ctx, transformContext(), en)
			return err
		case rule.DhisResourceEvent:
			ev, err := trackerSvc.FindEventByID(ctx, id)
			if err != nil {
				return err
			}
			if ev == nil {
				logger.Debug().Str("item", item.ID).Msg("event no longer exists")
				return nil
			}
			_, err = transformSvc.ExportEvent(ctx, transformContext(), ev)
			return err
		default:
			logger.Debug().Str("item", item.ID).Msg("no export pipeline for resource kind")
			return nil
		}
	}
	fhirItemHandler := func(ctx context.Context, item syncdomain.ItemInfo) error {
		resourceType, id, ok := strings.Cut(item.ID, "/")
		if !ok {
			return fmt.Errorf("malformed item id %q", item.ID)
		}
		res, err := fhirClient.Read(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if res == nil {
			logger.Debug().Str("item", item.ID).Msg("resource no longer exists")
			return nil
		}
		_, err = transformSvc.ImportResource(ctx, transformContext(), res)
		return err
	}

	// Group processor polling DHIS2 for tracked entity changes.
	queueRepo := syncdomain.NewQueueRepoPG(pool)
	retriever, err := syncdomain.NewDhisRetriever(dhisClient, string(rule.DhisResourceTrackedEntity),
		time.Duration(cfg.PollToleranceMillis)*time.Millisecond, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build retriever")
	}
	processor := syncdomain.NewProcessor(
		queueRepo,
		syncdomain.NewProcessedRepoPG(pool),
		syncdomain.NewStoredRepoPG(pool),
		syncdomain.NewGroupRepoPG(pool),
		retriever,
		dhisItemHandler,
		syncdomain.ProcessorOptions{
			GroupID:         syncdomain.DefaultGroupID,
			PollRate:        cfg.PollInterval,
			MaxSearchCount:  cfg.MaxSearchCount,
			MaxProcessedAge: time.Duration(cfg.MaxProcessedAgeHours) * time.Hour,
			WorkerCount:     cfg.ItemWorkerCount,
		},
		logger,
	)

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := processor.ProcessGroup(pollCtx); err != nil {
				logger.Error().Err(err).Msg("poll cycle failed")
			}
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	api := e.Group("/api")
	webhooks := syncdomain.NewHandler(
		itemTrigger(queueRepo, dhisItemHandler, logger),
		itemTrigger(queueRepo, fhirItemHandler, logger),
		logger,
	)
	webhooks.RegisterRoutes(api, middleware.WebhookAuth(cfg.WebhookSecret))

	// Serve until interrupted.
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("adapter server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	stopPolling()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// itemTrigger guards one notified item with the queue so that webhook bursts
// and concurrent poll cycles never process the same item twice, then runs the
// handler.
func itemTrigger(queue syncdomain.QueueRepository, handler syncdomain.ItemHandler, logger zerolog.Logger) syncdomain.Trigger {
	return func(item syncdomain.ItemInfo) {
		ctx := context.Background()
		err := queue.Enqueue(ctx, syncdomain.DefaultGroupID, item.ID)
		if errors.Is(err, syncdomain.ErrAlreadyQueued) || errors.Is(err, syncdomain.ErrItemStale) {
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("item", item.ID).Msg("enqueue failed")
			return
		}
		defer func() {
			if _, err := queue.Dequeue(ctx, syncdomain.DefaultGroupID, item.ID); err != nil {
				logger.Error().Err(err).Str("item", item.ID).Msg("dequeue failed")
			}
		}()
		if err := handler(ctx, item); err != nil {
			logger.Error().Err(err).Str("item", item.ID).Msg("notified item failed")
		}
	}
}
