package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/pc-1827/vmpi/crash"
	"github.com/pc-1827/vmpi/crypto"
	"github.com/pc-1827/vmpi/distfs"
	"github.com/pc-1827/vmpi/vmpi"
)

var logger = commonlog.GetLogger("vmpi")

// idleWait is how long the foreground loop waits for messages per round.
const idleWait = 100 * time.Millisecond

func main() {
	config, err := ParseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	commonlog.Configure(config.Verbosity, config.logPath())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Mode == "master" {
		err = runMaster(ctx, config)
	} else {
		err = runWorker(ctx, config)
	}
	if err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func runMaster(ctx context.Context, config *Config) error {
	opts, err := config.sessionOptions()
	if err != nil {
		return err
	}
	session := vmpi.NewSession(opts)
	defer session.Close()

	collector := crash.NewCollector(session, config.CrashDir)

	dopts, err := config.distributorOptions()
	if err != nil {
		return err
	}
	dist, err := distfs.NewDistributor(session, dopts)
	if err != nil {
		return err
	}
	defer dist.Close()

	session.OnConnect(func(procID int) {
		if err := session.SetJobWorkerID(procID, uint32(procID)); err != nil {
			logger.Warningf("[%s] failed to assign job worker id: %s", session.MachineName(procID), err)
		}
	})

	if err := dist.DistributeAll(config.Files); err != nil {
		return err
	}
	var total int64
	for _, rec := range dist.Files() {
		total += rec.Info.Size
	}
	logger.Infof("distributing %d files (%s) by %s", len(dist.Files()), humanize.IBytes(uint64(total)), dopts.Mode)

	if err := session.Init(ctx); err != nil {
		return err
	}
	logger.Infof("[%s] job %s running with %d workers", session.ListenAddr(), session.JobID(), session.NumConnected())

	delivered := false
	for ctx.Err() == nil {
		session.HandleSocketErrors(idleWait)

		if pending := dist.Pending(); pending == delivered {
			delivered = !pending
			if delivered {
				logger.Infof("every connected worker has every file")
			}
		}
	}

	if crashes := collector.Crashes(); len(crashes) > 0 {
		logger.Warningf("%d worker crashes this job, dumps in %s", len(crashes), config.CrashDir)
	}
	logger.Infof("shutting down, %d workers connected, %d dropped", session.NumConnected(), session.NumDisconnects())
	return nil
}

func runWorker(ctx context.Context, config *Config) error {
	opts, err := config.sessionOptions()
	if err != nil {
		return err
	}
	opts.MasterLost = config.restartPolicy().MasterLost
	session := vmpi.NewSession(opts)
	defer session.Close()

	ropts, err := config.receiverOptions()
	if err != nil {
		return err
	}
	receiver := distfs.NewReceiver(session, ropts)
	defer receiver.Close()

	reporter := crash.NewReporter(session, crash.StackDumpWriter{})
	defer reporter.Recover()
	session.OnPanic(reporter.Report)

	if err := session.Init(ctx); err != nil {
		return err
	}
	dirs := session.Directories()
	logger.Infof("[%s] joined job %s (game dir %q, q dir %q)", config.MasterAddr, session.JobID(), dirs.GameDir, dirs.QDir)

	db, jobID, err := session.RequestDBInfo(config.ConnectTimeout)
	if err != nil {
		logger.Warningf("no database info from master: %s", err)
	} else if db.Host() != "" {
		logger.Infof("stats go to %s@%s/%s, job %d", db.User(), db.Host(), db.Database(), jobID)
	}

	for _, name := range config.Files {
		f, err := receiver.Open(name, config.FileTimeout)
		if err != nil {
			return err
		}
		digest, err := crypto.GenerateDigest(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", name, err)
		}
		logger.Infof("ready: %q (%s, %s)", name, humanize.IBytes(uint64(f.Size())), digest.Short())
	}

	for ctx.Err() == nil {
		session.HandleSocketErrors(idleWait)
	}
	return nil
}
