package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/loqalabs/loqa-notes/internal/blobstore"
	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/classify"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/journal"
	"github.com/loqalabs/loqa-notes/internal/language"
	"github.com/loqalabs/loqa-notes/internal/llm"
	"github.com/loqalabs/loqa-notes/internal/natsserver"
	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/pipeline"
	"github.com/loqalabs/loqa-notes/internal/router"
	"github.com/loqalabs/loqa-notes/internal/stt"
)

// Core is the note-taking system shared by the daemon and the CLI: the
// repository, the pipeline that feeds it and the journal that records runs.
type Core struct {
	Config   config.Config
	Notes    *notes.Repository
	Pipeline *pipeline.Pipeline
	Journal  *journal.Store
	Bus      *bus.Client

	nats  *natsserver.EmbeddedServer
	store blobstore.Store
	log   *slog.Logger
}

// OpenCore builds every component from cfg. The caller owns the result and
// must Close it.
func OpenCore(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Core, err error) {
	c := &Core{Config: cfg, log: logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if cfg.Bus.Enabled {
		c.nats, err = natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return nil, err
		}
		busCfg := cfg.Bus
		if c.nats != nil {
			busCfg.Servers = []string{c.nats.ClientURL()}
		}
		c.Bus, err = bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return nil, err
		}
	}

	c.store, err = openStore(ctx, cfg.Store, c.Bus)
	if err != nil {
		return nil, err
	}

	publisher := bus.NewPublisher(c.Bus)
	c.Notes, err = notes.Open(ctx, c.store, cfg.Store.Key,
		notes.WithLogger(logger),
		notes.WithSeparator(cfg.Store.Separator),
		notes.WithPersistTries(cfg.Store.PersistTries),
		notes.WithDefaultLanguage(language.FromLocale(cfg.Language.DeviceLocale)),
		notes.WithChangeListener(publisher.NoteChanged),
	)
	if err != nil {
		return nil, fmt.Errorf("open notes: %w", err)
	}

	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("init transcription: %w", err)
	}
	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}

	c.Journal, err = journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	c.Pipeline = pipeline.New(pipeline.Deps{
		Recorder:   capture.NewRecorder(time.Duration(cfg.Recorder.MinDurationMS)*time.Millisecond, logger),
		Recognizer: recognizer,
		Classifier: classify.New(generator, cfg.Classifier, llm.RequestFromConfig(cfg.LLM), logger),
		Router:     router.New(c.Notes, cfg.Router, logger),
		Notes:      c.Notes,
		Notifier: pipeline.Fanout{
			pipeline.LogNotifier{Logger: logger.With(slog.String("component", "pipeline"))},
			c.Journal,
			publisher,
		},
		Logger: logger,
	}, pipeline.WithTimeouts(
		time.Duration(cfg.STT.TimeoutMS)*time.Millisecond,
		time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond,
	))

	logger.Info("notes core ready",
		slog.String("store", cfg.Store.Backend),
		slog.String("stt", cfg.STT.Mode),
		slog.String("llm", cfg.LLM.Mode),
		slog.String("language", c.Notes.Language()),
		slog.Int("notes", len(c.Notes.List())))
	return c, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, client *bus.Client) (blobstore.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return blobstore.OpenSQLite(ctx, cfg.Path)
	case "file":
		return blobstore.NewFile(afero.NewOsFs(), cfg.Path)
	case "kv":
		if client == nil {
			return nil, errors.New("kv store requires a bus connection")
		}
		return blobstore.OpenKV(client.JetStream(), cfg.Bucket)
	case "memory":
		return blobstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Healthy reports whether the bus, when enabled, is connected.
func (c *Core) Healthy() bool {
	return !c.Config.Bus.Enabled || c.Bus.Healthy()
}

// Close releases components in reverse order of construction.
func (c *Core) Close() error {
	var errs []error
	if c.Journal != nil {
		errs = append(errs, c.Journal.Close())
	}
	errs = append(errs, c.Notes.Close())
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	c.Bus.Close()
	c.nats.Shutdown()
	return errors.Join(errs...)
}
