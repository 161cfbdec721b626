// Copyright 2024-2026 Aiku AI

// Command chatmirror mirrors conversations on a Mattermost server or Matrix
// homeserver into backup conversations and keeps the copies in sync with
// edits, deletions and reactions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/chatmirror/pkg/admin"
	"github.com/aiku/chatmirror/pkg/backup"
	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/matrix"
	"github.com/aiku/chatmirror/pkg/mattermost"
	"github.com/aiku/chatmirror/pkg/metrics"
	"github.com/aiku/chatmirror/pkg/relay"
	"github.com/aiku/chatmirror/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExampleConfig = flag.MakeFull("g", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	showVersion        = flag.MakeFull("v", "version", "View chatmirror version and quit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

// adapter is a platform connection the relay can run on.
type adapter interface {
	relay.Platform
	relay.Listener
	relay.KeyParser
	Connect(ctx context.Context) error
}

func newAdapter(cfg *config.Config, log zerolog.Logger) (adapter, error) {
	switch cfg.Platform.Type {
	case "mattermost":
		return mattermost.New(cfg.Platform.Mattermost, log), nil
	case "matrix":
		return matrix.New(cfg.Platform.Matrix, log)
	default:
		return nil, fmt.Errorf("unknown platform type %q", cfg.Platform.Type)
	}
}

func main() {
	flag.SetHelpTitles(
		"chatmirror - mirror chat conversations into backup conversations.",
		"chatmirror [-hgv] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *showVersion {
		fmt.Printf("chatmirror %s (tag %s, commit %s, built at %s)\n", version, Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if err = os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, true)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)

	if err = run(cfg, *log); err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("chatmirror stopped with an error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", version).
		Str("tag", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Str("platform", cfg.Platform.Type).
		Msg("Initializing chatmirror")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	metrics.Register()

	platform, err := newAdapter(cfg, log)
	if err != nil {
		return err
	}
	if err = platform.Connect(ctx); err != nil {
		return err
	}

	st := store.Open(filepath.Join(cfg.DataDir, store.FileName), log)
	engine := relay.NewEngine(platform, st, relay.BuildRoutes(cfg.Groups, platform, log), cfg, log)
	engine.Start(ctx)
	defer engine.Stop()

	applyRoutes := func(newCfg *config.Config) int {
		rt := relay.BuildRoutes(newCfg.Groups, platform, log)
		engine.SetRoutes(rt)
		log.Info().Int("routes", rt.Len()).Int("sources", len(rt.Sources())).Msg("Routing table replaced")
		return rt.Len()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return platform.Listen(gctx, engine)
	})
	g.Go(func() error {
		err := config.Watch(gctx, *configPath, func(newCfg *config.Config) {
			applyRoutes(newCfg)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher stopped, routes reload only via the admin API")
		}
		return nil
	})

	if cfg.Admin.ListenAddr != "" {
		srv := admin.New(cfg.Admin.ListenAddr, engine, func(context.Context) (int, error) {
			newCfg, err := config.Load(*configPath, false)
			if err != nil {
				return 0, err
			}
			return applyRoutes(newCfg), nil
		}, log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	loc, _ := cfg.Settings.Location()
	jobs := &backup.Jobs{
		Chats:         platform,
		Store:         st,
		Destinations:  func() []relay.ChatID { return engine.Routes().Destinations() },
		ExportDir:     cfg.Settings.BackupSchedule.LocalExportDir,
		TempDir:       filepath.Join(cfg.DataDir, "temp_weekly"),
		RetentionDays: cfg.Settings.MappingRetentionDays,
		Location:      loc,
		Printer:       relay.NewPrinter(cfg.Settings.Locale),
	}
	if history, ok := platform.(backup.History); ok {
		jobs.History = history
	}
	scheduler := backup.NewScheduler(log)
	backup.Setup(scheduler, jobs, cfg.Settings, log)
	if scheduler.Len() > 0 {
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("Shutting down")
	return err
}
