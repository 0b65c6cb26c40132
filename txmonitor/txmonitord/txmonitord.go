// Package txmonitord is the true entry point for the transaction monitor
// daemon, invoked from cmd/txmonitord/main.go the same way daemon.LndMain
// is invoked from cmd/lnd/main.go: a nested Main so that top-level defers
// still run on a clean shutdown, os.Exit is never called from in here.
//
// A worked example of registering a monitor, ticking, and draining and
// acknowledging its news is the end-to-end test in the txmonitor package
// (monitor_test.go); the reference implementation ships a separate
// bitvmx_instances_example binary for the same purpose, but this daemon
// defines exactly one process shape, so the example stays a test rather
// than a second command.
package txmonitord

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"golang.org/x/sync/errgroup"

	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview/btcdview"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/config"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/errors"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/signal"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/store"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/txmonitorlog"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

// logWriter fans log output out to both the rotator and stdout, the same
// split daemon/log.go's build.LogWriter performs.
type logWriter struct {
	rotatorPipe *io.PipeWriter
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotatorPipe.Write(p)
}

// Main is the real entry point. Command-line parsing errors and
// ConfigurationError/StoreError are returned to the caller rather than
// exiting directly, so that Main's own deferred cleanup runs before
// cmd/txmonitord/main.go exits the process.
func Main(args []string) error {
	if err := signal.Start(); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(args)
	if err != nil {
		return err
	}

	log, rotatorHandle, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer rotatorHandle.Close()

	txmonitorlog.UseLogger(log)
	log.Infof("starting transaction monitor, network=%s", cfg.Bitcoin.Network)

	net, err := types.NetParamsForName(cfg.Bitcoin.Network)
	if err != nil {
		return errors.NewConfigurationError(err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0700); err != nil {
		return errors.NewStoreError(err)
	}

	db, err := store.Open(cfg.Storage.Path, net)
	if err != nil {
		return err
	}
	defer db.Close()

	chainView, err := btcdview.New(&rpcclient.ConnConfig{
		Host:         cfg.Bitcoin.RPCHost,
		User:         cfg.Bitcoin.RPCUser,
		Pass:         cfg.Bitcoin.RPCPass,
		Certificates: loadCert(cfg.Bitcoin.RPCCert),
		HTTPPostMode: true,
		DisableTLS:   cfg.Bitcoin.RPCCert == "",
	}, net)
	if err != nil {
		return errors.NewIndexerError(err)
	}
	defer chainView.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon, err := txmonitor.NewMonitor(ctx, cfg, db, chainView, log)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runTickLoop(gctx, mon, cfg)
	})
	group.Go(func() error {
		select {
		case <-signal.ShutdownChannel():
			cancel()
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if err := group.Wait(); err != nil {
		log.Errorf("exiting: %v", err)
		return err
	}

	log.Infof("shutdown complete")
	return nil
}

// runTickLoop calls Tick repeatedly, sleeping PollIntervalSeconds between
// calls once the monitor has caught up, and ticking back-to-back while
// there is backlog to process, matching spec.md §5's pacing contract.
func runTickLoop(ctx context.Context, mon *txmonitor.Monitor, cfg *config.Config) error {
	interval := time.Duration(cfg.Settings.PollIntervalSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := mon.Tick(ctx); err != nil {
			return err
		}

		ready, err := mon.IsReady(ctx)
		if err != nil {
			return err
		}
		if ready {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
}

func initLogging(cfg *config.Config) (btclog.Logger, *rotator.Rotator, error) {
	logDir := cfg.DataDir
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, nil, errors.NewConfigurationError(err)
	}

	logFile := filepath.Join(logDir, "txmonitord.log")
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, nil, errors.NewConfigurationError(err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	backend := btclog.NewBackend(&logWriter{rotatorPipe: pw})
	log := backend.Logger(txmonitorlog.Subsystem)

	level, ok := btclog.LevelFromString(cfg.DebugLevel)
	if !ok {
		level = btclog.LevelInfo
	}
	log.SetLevel(level)

	return log, r, nil
}

func loadCert(path string) []byte {
	if path == "" {
		return nil
	}
	cert, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return cert
}
