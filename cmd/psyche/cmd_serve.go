package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/psyche/internal/admin"
	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/config"
	"github.com/user/psyche/internal/delivery"
	"github.com/user/psyche/internal/memory"
	"github.com/user/psyche/internal/psyche"
	"github.com/user/psyche/internal/telegram"
	"github.com/user/psyche/internal/voice"
	"github.com/user/psyche/internal/wit"
	"github.com/user/psyche/pkg/llm"
	"github.com/user/psyche/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the psyche daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFile = "psyche.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// openMemory opens the configured memory backend. It returns nil when memory
// is disabled.
func openMemory(cfg *config.Config) (memory.Store, error) {
	switch cfg.Memory.Backend {
	case "", "none":
		return nil, nil
	case "jsonl":
		return memory.NewJSONLStore(cfg.DataDir), nil
	case "sqlite":
		return memory.NewSQLiteStore(filepath.Join(cfg.DataDir, "memory.db"))
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

func stageSettings(cfg *config.Config) (map[string]int, map[string]time.Duration) {
	stages := map[string]config.Stage{
		wit.QuickName:     cfg.Wits.Quick,
		wit.MomentName:    cfg.Wits.Moment,
		wit.SituationName: cfg.Wits.Situation,
		wit.EpisodeName:   cfg.Wits.Episode,
		wit.IdentityName:  cfg.Wits.Identity,
		wit.WillName:      cfg.Wits.Will,
	}
	thresholds := make(map[string]int, len(stages))
	intervals := make(map[string]time.Duration, len(stages))
	for name, s := range stages {
		thresholds[name] = s.Threshold
		intervals[name] = time.Duration(s.IntervalSeconds * float64(time.Second))
	}
	return thresholds, intervals
}

func newProvider(cfg *config.Config, model string) llm.Provider {
	if cfg.LLM.Provider != "openai" {
		slog.Warn("unknown llm provider, using the OpenAI-compatible client", "provider", cfg.LLM.Provider)
	}
	return openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Model capabilities
	retry := llm.DefaultRetryPolicy()
	if cfg.LLM.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.LLM.RetryAttempts
	}
	follower := llm.Limit(llm.NewFollower(newProvider(cfg, cfg.LLM.Model), retry), int64(cfg.LLM.MaxConcurrent))
	chatModel := cfg.LLM.ChatModel
	if chatModel == "" {
		chatModel = cfg.LLM.Model
	}
	chatter := llm.NewChatter(newProvider(cfg, chatModel))
	budget := llm.NewBudget(chatModel)

	store, err := openMemory(cfg)
	if err != nil {
		return err
	}
	var sink memory.Sink
	if store != nil {
		sink = store
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(cfg.Bus.Capacity)
	var tg *telegram.Adapter
	mouth := delivery.NewRegistry()
	mouth.Register("log", &voice.LogMouth{})
	if cfg.Telegram.Token != "" {
		tg, err = telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, b)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		mouth.Register("telegram", tg)
	} else {
		slog.Warn("telegram adapter disabled (no token), speech goes to the log only")
	}

	thresholds, intervals := stageSettings(cfg)
	opts := psyche.Options{
		Agent:           cfg.Agent,
		BusCapacity:     cfg.Bus.Capacity,
		Thresholds:      thresholds,
		Intervals:       intervals,
		NarrativeTokens: cfg.Voice.NarrativeTokens,
		Voice: voice.Config{
			Agent:            cfg.Agent,
			SystemPrompt:     cfg.Voice.SystemPrompt,
			MaxHistoryTokens: cfg.Voice.MaxHistoryTokens,
		},
		DebugLabels:   cfg.Debug.Labels,
		Heartbeat:     cfg.Heartbeat.Schedule,
		MemoryTimeout: time.Duration(cfg.Memory.TimeoutMS) * time.Millisecond,
	}
	deps := psyche.Deps{
		Follower: follower,
		Chatter:  chatter,
		Mouth:    mouth,
		Affect:   voice.AffectFunc(func(emoji string) { slog.Info("feel", "emoji", emoji) }),
		Memory:   sink,
		Budget:   budget,
		Bus:      b,
	}
	p, err := psyche.New(opts, deps)
	if err != nil {
		return err
	}
	defer p.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	if tg != nil {
		g.Go(func() error {
			mouth.Supervise(gctx, "telegram", tg.Run)
			return nil
		})
		slog.Info("telegram adapter started")
	}
	if cfg.HTTP.Enabled {
		srv := admin.NewServer(p, store)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTP.Listen) })
	}

	slog.Info("psyche started",
		"agent", cfg.Agent,
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"llm_model", cfg.LLM.Model,
		"chat_model", chatModel,
		"memory", cfg.Memory.Backend,
		"outlets", mouth.Names(),
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-gctx.Done():
			cancel()
			return g.Wait()
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				cancel()
				if err := g.Wait(); err != nil {
					slog.Warn("shutdown before restart", "error", err)
				}
				p.Close()
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					return fmt.Errorf("re-exec: %w", err)
				}
			}
			// SIGINT or SIGTERM
			slog.Info("shutting down", "signal", sig)
			cancel()
			return g.Wait()
		}
	}
}
