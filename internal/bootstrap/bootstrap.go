// Package bootstrap wires the render pipeline and the job service from
// configuration. Both the HTTP server and the CLI build on it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/maauso/stockreel-api/internal/compose"
	"github.com/maauso/stockreel-api/internal/config"
	"github.com/maauso/stockreel-api/internal/fetch"
	"github.com/maauso/stockreel-api/internal/job"
	"github.com/maauso/stockreel-api/internal/ledger"
	"github.com/maauso/stockreel-api/internal/media"
	"github.com/maauso/stockreel-api/internal/pexels"
	"github.com/maauso/stockreel-api/internal/selector"
	"github.com/maauso/stockreel-api/internal/storage"
)

// Pipeline holds the collaborators of one render pipeline.
type Pipeline struct {
	Search    pexels.Client
	Ledger    ledger.Ledger
	Selector  *selector.Selector
	Fetcher   *fetch.Fetcher
	Processor media.Processor
	Chroma    *compose.ChromaCompositor
	Montage   *compose.MontageCompositor

	closers []func()
}

// Close releases pooled connections.
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	*Pipeline
	JobService *job.Service
}

// NewDependencies creates and initializes all dependencies for the server.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	p, err := NewPipeline(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		p.Close()
		return nil, err
	}

	if err := os.MkdirAll(cfg.InputDir, 0o750); err != nil {
		p.Close()
		return nil, fmt.Errorf("create input directory: %w", err)
	}

	svc := job.NewService(
		job.NewMemoryRepository(),
		store,
		p.Chroma,
		p.Montage,
		job.WithLogger(logger),
		job.WithInputRoot(cfg.InputDir),
	)
	return &Dependencies{Pipeline: p, JobService: svc}, nil
}

// NewPipeline builds the search client, ledger, selector, fetcher, processor
// and both compositors.
func NewPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	profiles, err := config.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return nil, err
	}

	clientOpts := []pexels.ClientOption{
		pexels.WithTimeout(cfg.SearchTimeout()),
		pexels.WithLogger(logger),
	}
	if len(profiles.Denylist) > 0 {
		clientOpts = append(clientOpts, pexels.WithDenylist(profiles.Denylist))
	}
	search, err := pexels.NewClient(cfg.PexelsAPIKey, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create Pexels client: %w", err)
	}

	fetcher, err := fetch.New(cfg.DownloadDir,
		fetch.WithTimeout(cfg.DownloadTimeout()),
		fetch.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	p := &Pipeline{Search: search, Fetcher: fetcher}

	l, closeLedger, err := OpenLedger(ctx, cfg.LedgerBackend, cfg.LedgerPath, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	p.Ledger = l
	p.closers = append(p.closers, closeLedger)
	p.Selector = selector.New(p.Ledger, selector.WithLogger(logger))
	p.Processor = media.NewFFmpegProcessor(cfg.FFmpegPath,
		media.WithFFprobePath(cfg.FFprobePath),
		media.WithLogger(logger),
	)

	deps := compose.Deps{
		Search:             p.Search,
		Selector:           p.Selector,
		Fetcher:            p.Fetcher,
		Processor:          p.Processor,
		WorkDir:            cfg.TempDir,
		MaxConcurrentClips: cfg.MaxConcurrentClips,
		KeepDownloads:      cfg.KeepDownloads,
		ChromaEncode:       profiles.Chroma,
		MontageEncode:      profiles.Montage,
		Logger:             logger,
	}
	p.Chroma = compose.NewChromaCompositor(deps)
	p.Montage = compose.NewMontageCompositor(deps)
	return p, nil
}

// OpenLedger opens a ledger backend: file (at path), postgres (at
// databaseURL) or memory. The returned close func is never nil.
func OpenLedger(ctx context.Context, backend, path, databaseURL string, logger *slog.Logger) (ledger.Ledger, func(), error) {
	switch backend {
	case config.LedgerMemory:
		logger.Warn("in-memory ledger configured, used combinations are lost on restart")
		return ledger.NewMemoryLedger(), func() {}, nil
	case config.LedgerPostgres:
		pool, err := ledger.NewPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect ledger database: %w", err)
		}
		l := ledger.NewPostgresLedger(pool, logger)
		if err := l.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("prepare ledger schema: %w", err)
		}
		logger.Info("postgres ledger configured")
		return l, pool.Close, nil
	case config.LedgerFile, "":
		logger.Info("file ledger configured", slog.String("path", path))
		return ledger.NewFileLedger(path, logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidLedgerBackend, backend)
	}
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Prefix:          cfg.S3Prefix,
		}
		s3Store, err := storage.NewS3Storage(ctx, cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
