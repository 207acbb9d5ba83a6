package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/relaycache/relay/conf"
	"github.com/relaycache/relay/contrib/config"
	"github.com/relaycache/relay/contrib/config/provider/file"
	"github.com/relaycache/relay/contrib/log"
	"github.com/relaycache/relay/internal/constants"
	"github.com/relaycache/relay/server"
)

var (
	// flagConf is the config flag.
	flagConf string = "config.yaml"
	// flagVerbose is the verbose flag.
	flagVerbose bool

	// Version is the version of the app, set via -ldflags at build time.
	Version string = "no-set"
	GitHash string = "no-set"
	Built   string = "0"
)

func init() {
	flag.StringVar(&flagConf, "c", "config.yaml", "config file path")
	flag.BoolVar(&flagVerbose, "v", false, "enable verbose log")

	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix(constants.AppName+"_", prometheus.DefaultRegisterer)
	registerer.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

func main() {
	flag.Parse()

	bc := conf.Default()

	src := config.New[conf.Bootstrap](config.WithSource(file.NewSource(flagConf)))
	defer src.Close()
	if err := src.Scan(bc); err != nil {
		log.Fatalf("load config %s: %v", flagConf, err)
	}

	level := bc.Logger.Level
	if flagVerbose {
		level = "debug"
	}
	log.SetLogger(log.With(
		log.NewFileLogger(log.FileConfig{
			Level:      level,
			Path:       bc.Logger.Path,
			MaxSizeMB:  bc.Logger.MaxSize,
			MaxAgeDays: bc.Logger.MaxAge,
			MaxBackups: bc.Logger.MaxBackups,
			Compress:   bc.Logger.Compress,
		}),
		"pid", os.Getpid(),
	))

	if err := run(bc); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// run owns the process lifecycle: tableflip-managed listener handoff, the
// proxy transport, an fsnotify watch on the config file that triggers a
// graceful binary upgrade, and orderly shutdown on SIGINT/SIGTERM. SIGPIPE
// needs no handler of its own — the runtime never raises it for socket
// writes, only for fd 0-2, so a write to a peer that hung up simply comes
// back as an EPIPE error from unix.Write.
func run(bc *conf.Bootstrap) error {
	const stopTimeout = 120 * time.Second

	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        bc.PidFile,
		UpgradeTimeout: stopTimeout,
	})
	if err != nil {
		return err
	}
	defer flip.Stop()

	srv, err := server.NewServer(flip, bc, log.GetLogger())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return watchConfigForUpgrade(gctx, flagConf, flip)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	group.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case s := <-sig:
			log.Infof("received signal %s, shutting down", s)
			cancel()
			return nil
		}
	})

	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-flip.Exit():
			cancel()
		}
		return nil
	})

	<-gctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}

	return group.Wait()
}

// watchConfigForUpgrade reloads the config file's Source-level fsnotify
// watcher and asks tableflip to fork+re-exec whenever the file changes,
// so a config edit lands without dropping connections in flight.
func watchConfigForUpgrade(ctx context.Context, path string, flip *tableflip.Upgrader) error {
	watcher, err := file.NewSource(path).Watch()
	if err != nil {
		return err
	}
	defer watcher.Stop()

	// Stopping the watcher on cancellation unblocks Next below.
	go func() {
		<-ctx.Done()
		_ = watcher.Stop()
	}()

	for {
		if _, err := watcher.Next(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		log.Infof("config file %s changed, triggering graceful upgrade", path)
		if err := flip.Upgrade(); err != nil {
			log.Warnf("upgrade failed: %v", err)
		}
	}
}
