package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/duynguyen-ops/chatloom/internal/bus"
	"github.com/duynguyen-ops/chatloom/internal/config"
	"github.com/duynguyen-ops/chatloom/internal/history"
	"github.com/duynguyen-ops/chatloom/internal/intake"
	"github.com/duynguyen-ops/chatloom/internal/pipeline"
	"github.com/duynguyen-ops/chatloom/internal/server"
	"github.com/duynguyen-ops/chatloom/internal/thread"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	dataDir := config.ExpandHome(cfg.Storage.DataDir)
	store, err := thread.NewFileStore(dataDir)
	if err != nil {
		slog.Error("failed to open state store", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	tracker := thread.NewTracker(store, trackerParams(cfg), nil)
	if err := tracker.LoadState(); err != nil {
		// Corrupt or unreadable snapshot: start empty rather than refuse to run.
		slog.Warn("thread state load failed, starting fresh", "error", err)
	}

	var hist *history.Store
	if h, err := history.Open(cfg.HistoryDBPath()); err != nil {
		slog.Warn("history db unavailable, logging disabled", "error", err)
	} else {
		hist = h
		defer hist.Close()
	}

	svcTimeout := time.Duration(cfg.Services.TimeoutSecs) * time.Second

	var classifier pipeline.Classifier
	if cfg.Services.ClassifyURL != "" {
		classifier = pipeline.NewRemoteClassifier(cfg.Services.ClassifyURL, cfg.Services.Token, svcTimeout)
	} else {
		slog.Warn("no classify service configured, using regex fallback")
		names := append([]string{cfg.Agent.Name}, cfg.Agent.Aliases...)
		classifier = pipeline.NewFallbackClassifier(names...)
	}

	var replier pipeline.Replier
	if cfg.Services.ReplyURL != "" {
		replier = pipeline.NewRemoteReplier(cfg.Services.ReplyURL, cfg.Services.Token, svcTimeout)
	} else {
		slog.Warn("no reply service configured, replies suppressed")
		replier = pipeline.NoopReplier{}
	}

	msgBus := bus.NewMessageBus()
	if cfg.Services.OutboundURL != "" {
		msgBus.RegisterDispatcher(bus.AllPlatforms,
			pipeline.NewWebhookDispatcher(cfg.Services.OutboundURL, cfg.Services.Token, svcTimeout))
	} else {
		slog.Warn("no outbound webhook configured, replies logged only")
		msgBus.RegisterDispatcher(bus.AllPlatforms, logDispatcher{})
	}

	pipe := pipeline.New(tracker, classifier, replier, msgBus, hist, pipelineOptions(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := intake.NewQueueProcessor(ctx, cfg.Intake.MergeCap, pipe.HandleBatch)
	debouncer := intake.NewDebouncer(
		cfg.Intake.DebounceWindow(),
		cfg.Intake.FlushCount,
		cfg.Intake.BufferHardCap,
		queue.Enqueue,
	)
	defer debouncer.Stop()

	dedupe := bus.NewDedupeCache(
		time.Duration(cfg.Intake.DedupeTTLMinutes)*time.Minute,
		cfg.Intake.DedupeMaxSize,
	)

	hardReset := func() {
		debouncer.Reset()
		queue.Reset()
		tracker.HardReset()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, cfg.Server.Token, msgBus, tracker, hardReset)
	if err := srv.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Inbound consumer: dedupe, then buffer.
	g.Go(func() error {
		for {
			msg, ok := msgBus.ConsumeInbound(gctx)
			if !ok {
				return nil
			}
			if msg.MessageID != "" {
				key := msg.ConversationKey + "|" + msg.MessageID
				if dedupe.IsDuplicate(key) {
					slog.Debug("duplicate inbound skipped", "key", key)
					continue
				}
			}
			debouncer.Add(msg)
		}
	})

	// Lifecycle tick: advance thread states, archive the newly dead,
	// flush dirty state (debounced).
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Threads.Tick())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				dead := tracker.Tick(now)
				if len(dead) > 0 {
					if err := store.Archive(dead); err != nil {
						slog.Warn("archive failed", "count", len(dead), "error", err)
					}
				}
				tracker.SaveState(false)
			}
		}
	})

	// Cron checkpoint: forced snapshots on a schedule, independent of the
	// dirty debounce.
	if expr := cfg.Storage.Checkpoint; expr != "" {
		gron := gronx.New()
		if !gron.IsValid(expr) {
			slog.Warn("invalid checkpoint cron expression, ignoring", "expr", expr)
		} else {
			g.Go(func() error {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						if due, _ := gron.IsDue(expr); due {
							tracker.SaveState(true)
							slog.Debug("checkpoint snapshot saved")
						}
					}
				}
			})
		}
	}

	// Config hot reload: re-apply tunable thresholds on file change.
	g.Go(func() error {
		return watchConfig(gctx, cfgPath, func() {
			newCfg, err := config.Load(cfgPath)
			if err != nil {
				slog.Warn("config reload failed", "error", err)
				return
			}
			tracker.SetParams(trackerParams(newCfg))
			debouncer.SetWindow(newCfg.Intake.DebounceWindow())
			slog.Info("config reloaded", "path", cfgPath)
		})
	})

	slog.Info("chatloom running",
		"version", Version,
		"addr", addr,
		"data_dir", dataDir,
	)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("server shutdown error", "error", err)
	}

	msgBus.Close()
	_ = g.Wait()
	queue.Wait()
	tracker.SaveState(true)
	slog.Info("shutdown complete")
}

// logDispatcher is the dev-mode outbound sink.
type logDispatcher struct{}

func (logDispatcher) Dispatch(_ context.Context, msg bus.OutboundMessage) error {
	slog.Info("outbound reply (no webhook)",
		"conversation", msg.ConversationKey,
		"reply_to", msg.ReplyToID,
		"sources", msg.SourceCount,
		"content", msg.Content,
	)
	return nil
}

func trackerParams(cfg *config.Config) thread.Params {
	return thread.Params{
		AssignThreshold: cfg.Threads.AssignThreshold,
		MaxMessages:     cfg.Threads.MaxMessages,
		MaxActivePerKey: cfg.Threads.MaxActivePerKey,
		StaleAfter:      cfg.Threads.StaleAfter(),
		DeadAfter:       cfg.Threads.DeadAfter(),
		SaveDebounce:    cfg.Threads.SaveDebounce(),
	}
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		AgentName:          cfg.Agent.Name,
		AgentAliases:       cfg.Agent.Aliases,
		StaleAfter:         cfg.Intake.StaleAfter(),
		ConfidenceFloor:    cfg.Classifier.ConfidenceFloor,
		MaxThreadsPerCycle: cfg.Dispatch.MaxThreadsPerCycle,
		RateLimitRPM:       cfg.Dispatch.RateLimitRPM,
		RecentContext:      5,
		Format: thread.FormatOptions{
			MaxInvolvedThreads:   cfg.Formatter.MaxInvolvedThreads,
			MaxBackgroundThreads: cfg.Formatter.MaxBackgroundThreads,
			BackgroundTail:       cfg.Formatter.BackgroundTail,
			MaxPendingShown:      cfg.Formatter.MaxPendingShown,
			ShortThreadMax:       cfg.Formatter.ShortThreadMax,
			WindowHead:           cfg.Formatter.WindowHead,
			WindowTail:           cfg.Formatter.WindowTail,
		},
	}
}

// watchConfig invokes onChange when the config file is written or replaced.
// Editors often rename-over, so re-add the watch after such events.
func watchConfig(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return nil
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		// Config file may not exist yet; hot reload just stays off.
		slog.Debug("config watch failed", "path", path, "error", err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if ev.Op&fsnotify.Rename != 0 {
					watcher.Add(path)
				}
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
