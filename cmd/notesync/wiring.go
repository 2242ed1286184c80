package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/agentworkforce/notesync/internal/config"
	"github.com/agentworkforce/notesync/internal/deadletter"
	"github.com/agentworkforce/notesync/internal/items"
	"github.com/agentworkforce/notesync/internal/linkparse"
	"github.com/agentworkforce/notesync/internal/notesync"
	"github.com/agentworkforce/notesync/internal/pglisten"
	"github.com/agentworkforce/notesync/internal/postgrest"
	"golang.org/x/time/rate"
)

// newService wires the sync pipeline on top of db, which is either the
// listener's own connection or a plain pool.
func newService(cfg config.Config, logger *slog.Logger, db items.Querier) (*notesync.Service, error) {
	var links notesync.LinkParser
	if parser := newLinkParser(cfg.Links, logger); parser != nil {
		links = parser
	}
	return notesync.NewService(items.NewRepository(db), newNotesClient(cfg), links, logger)
}

func newNotesClient(cfg config.Config) *postgrest.Client {
	retries := cfg.PostgREST.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return postgrest.NewClient(postgrest.ClientOptions{
		BaseURL:    cfg.PostgREST.Host,
		Token:      cfg.PostgREST.Token,
		HTTPClient: &http.Client{Timeout: cfg.PostgREST.Timeout},
		UserAgent:  cfg.Links.UserAgent,
		MaxRetries: retries,
	})
}

// newLinkParser returns nil when link enrichment is disabled.
func newLinkParser(cfg config.LinksConfig, logger *slog.Logger) *linkparse.Parser {
	if !cfg.Enabled {
		return nil
	}
	return linkparse.NewParser(linkparse.Options{
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
		Limiter:      newLimiter(cfg.RatePerSecond, cfg.Burst),
		MaxBodyBytes: cfg.MaxBodyBytes,
		UserAgent:    cfg.UserAgent,
		Logger:       logger,
	})
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func openJournal(cfg config.DeadLetterConfig) (*deadletter.FileJournal, error) {
	if cfg.File == "" {
		return nil, nil
	}
	return deadletter.Open(cfg.File, cfg.Capacity)
}

// journaled records events dropped by handler in journal and clears an item's
// entry once a later event for it syncs.
func journaled(handler *notesync.Handler, journal *deadletter.FileJournal, logger *slog.Logger) pglisten.Handler {
	if journal == nil {
		return handler.HandleNotification
	}
	return func(ctx context.Context, payload string) error {
		err := handler.HandleNotification(ctx, payload)
		itemID := ""
		if event, decodeErr := handler.Decode(payload); decodeErr == nil {
			itemID = event.ID
		}
		if err != nil {
			if recordErr := journal.Record(itemID, payload, err); recordErr != nil {
				logger.Error("failed to record dropped event", "item_id", itemID, "error", recordErr)
			}
			return err
		}
		if resolveErr := journal.Resolve(itemID); resolveErr != nil {
			logger.Warn("failed to clear dead letter entry", "item_id", itemID, "error", resolveErr)
		}
		return nil
	}
}
