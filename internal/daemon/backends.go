package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"creativepipe/internal/blob"
	"creativepipe/internal/bus"
	"creativepipe/internal/bus/natsbus"
	"creativepipe/internal/bus/sqlitebus"
	"creativepipe/internal/claim"
	"creativepipe/internal/config"
	"creativepipe/internal/store"
	"creativepipe/internal/store/mongostore"
	"creativepipe/internal/store/sqlitestore"
)

const connectTimeout = 15 * time.Second

func openBus(cfg *config.Config, onDeadLetter func(context.Context, bus.DeadLetter), logger *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case config.BusNATS:
		b, err := natsbus.Connect(cfg.Bus.NATSURL, natsbus.Options{
			Name:            "creativepiped",
			DuplicateWindow: config.DedupWindow,
			Retention:       cfg.Bus.Retention(),
			OnDeadLetter:    onDeadLetter,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BusSQLite, "":
		b, err := sqlitebus.Open(cfg.Bus.SQLitePath, sqlitebus.Options{
			PollInterval:    time.Duration(cfg.Bus.PollIntervalMS) * time.Millisecond,
			DuplicateWindow: config.DedupWindow,
			Retention:       cfg.Bus.Retention(),
			OnDeadLetter:    onDeadLetter,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite bus: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}

// OpenStore opens the configured campaign store. The CLI reads campaigns through it.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMongo:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		st, err := mongostore.Open(ctx, cfg.Store.MongoURL, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.StoreSQLite, "":
		st, err := sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobS3:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		s, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:           cfg.Blob.Bucket,
			Region:           cfg.Blob.Region,
			Endpoint:         cfg.Blob.Endpoint,
			ExternalEndpoint: cfg.Blob.ExternalEndpoint,
			AccessKeyID:      cfg.Blob.AccessKeyID,
			SecretAccessKey:  cfg.Blob.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.BlobFS, "":
		s, err := blob.NewFSStore(cfg.Blob.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// openLedger returns the claim ledger plus whatever must be closed with it. A
// nil ledger disables claims.
func openLedger(ctx context.Context, cfg *config.Config, st store.Claims) (claim.Ledger, io.Closer, error) {
	switch cfg.Claims.Backend {
	case config.ClaimsOff:
		return nil, nil, nil
	case config.ClaimsRedis:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		ledger, err := claim.NewRedisLedger(ctx, cfg.Claims.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return ledger, ledger, nil
	case config.ClaimsStore, "":
		return claim.NewStoreLedger(st), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown claims backend %q", cfg.Claims.Backend)
	}
}
