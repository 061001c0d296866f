package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leeineian/introbot/media"
	"github.com/leeineian/introbot/proc"
	"github.com/leeineian/introbot/sys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const pidFile = ".bot.pid"

func main() {
	// 0. Recover from panics (LogFatal uses panic to ensure defers run)
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, "\n[FATAL] %s\n", msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	silent := flag.Bool("silent", false, "Disable all log output")
	importPath := flag.String("import", "", "Import a JSON configuration snapshot into the database and exit")
	flag.Parse()

	// 1. Configuration and logger
	cfg, cfgErr := sys.LoadConfig()
	logToFile := cfg != nil && cfg.LogToFile
	sys.InitLogger(*silent || (cfg != nil && cfg.Silent), logToFile)
	if cfgErr != nil {
		sys.LogFatal(sys.MsgConfigFailedToLoad, cfgErr)
	}
	if path := sys.GetLogPath(); path != "" {
		sys.LogDebug("Writing logs to %s", path)
	}

	// 2. Database
	db, err := sys.OpenDatabase(context.Background(), cfg.DatabasePath)
	if err != nil {
		sys.LogFatal("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if *importPath != "" {
		if _, err := db.ImportFile(context.Background(), *importPath); err != nil {
			sys.LogFatal("Failed to import %s: %v", *importPath, err)
		}
		return
	}

	sys.LogInfo(sys.MsgBotStarting, sys.GetProjectName())

	// 3. Single instance
	release, err := lockPIDFile(pidFile)
	if err != nil {
		sys.LogFatal("Failed to lock PID file: %v", err)
	}
	defer release()

	// 4. Run bot (blocks until shutdown signal)
	if err := run(cfg, db, *silent); err != nil {
		sys.LogFatal(sys.MsgGenericError, err)
	}
}

func run(cfg *sys.Config, db *sys.Database, silent bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	sys.SetAppContext(ctx)

	client, err := sys.CreateClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create Discord client: %w", err)
	}
	defer client.Close(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	voiceSys := proc.NewVoiceSystem(client)
	throttle := proc.NewJoinThrottle(cfg.JoinCooldown)
	sources := proc.NewSourceProvider(proc.SourceConfig{
		SoundDir:    cfg.SoundDir,
		FFmpegPath:  cfg.FFmpegPath,
		Proxy:       cfg.YoutubeProxy,
		Timeout:     cfg.AcquireTimeout,
		MaxBytes:    cfg.MaxClipBytes,
		MaxDuration: cfg.MaxClipDuration,
	}, media.NewProber())

	orchestrator := proc.NewOrchestrator(proc.Options{
		Resolver:  proc.NewIntroResolver(db, cfg.IgnoreUsernames),
		Sources:   sources,
		Voice:     voiceSys,
		Guilds:    db,
		Throttle:  throttle,
		Metrics:   proc.NewMetrics(registry),
		InboxSize: cfg.InboxSize,
	})
	proc.Attach(ctx, orchestrator)
	proc.RegisterDaemons(voiceSys, throttle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orchestrator.Run(gctx)
	})
	g.Go(func() error {
		return sys.ServeHealth(gctx, cfg.HealthAddr, sys.NewHealthRouter(sys.HealthParams{
			DB:       db,
			Sessions: orchestrator.Registry().Len,
			Backlog:  orchestrator.Backlog,
			Gatherer: registry,
		}))
	})
	g.Go(func() error {
		if err := client.OpenGateway(gctx); err != nil {
			return fmt.Errorf("failed to open gateway: %w", err)
		}
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if !silent {
		fmt.Println()
	}

	// Graceful Shutdown
	orchestrator.Close()
	sys.LogInfo("Shutting down all daemons...")
	sys.ShutdownDaemons(context.Background())

	if botUser, ok := client.Caches.SelfUser(); ok {
		sys.LogInfo(sys.MsgBotShutdown, botUser.Username)
	} else {
		sys.LogInfo(sys.MsgBotShutdown, sys.GetProjectName())
	}

	return err
}

// lockPIDFile takes an exclusive lock on path, terminating whichever instance holds it.
func lockPIDFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			_ = f.Close()
			return nil, err
		}

		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr != nil || oldPid == os.Getpid() {
			<-ticker.C
			continue
		}

		process, procErr := os.FindProcess(oldPid)
		if procErr != nil {
			<-ticker.C
			continue
		}

		sys.LogInfo(sys.MsgBotKillingOld, oldPid)
		_ = process.Signal(syscall.SIGTERM)
		if !waitForExit(process, ticker, 5*time.Second) {
			sys.LogWarn("Old process %d is stubborn. Sending SIGKILL...", oldPid)
			_ = process.Signal(syscall.SIGKILL)
			if !waitForExit(process, ticker, 2*time.Second) {
				sys.LogWarn("Process %d still exists after SIGKILL", oldPid)
			}
		}
		sys.LogInfo(sys.MsgBotOldTerminated)
	}

	// We have the lock. Write our PID.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Sync()

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(path)
	}, nil
}

func waitForExit(process *os.Process, ticker *time.Ticker, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case <-ticker.C:
			if err := process.Signal(syscall.Signal(0)); err != nil {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
