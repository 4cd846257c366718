// Command beanqd runs the beanq work-queue server: a single
// cooperative event loop serving the line-oriented protocol of
// spec.md §4.4 over TCP, backed by the write-ahead binlog of §4.5.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xtaci/beanq/internal/ioloop"
	"github.com/xtaci/beanq/internal/server"
	"github.com/xtaci/beanq/internal/wal"
)

// Exit codes from spec.md §6. spec.md §6 has no code of its own for a
// live, post-startup WAL failure; it falls under the same "other
// failures" bucket as exitStartupFailure.
const (
	exitOK             = 0
	exitLockFailure    = 10
	exitReplayFailure  = 11
	exitSignalSetup    = 111
	exitStartupFailure = 1
	exitWALFatal       = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dir      = flag.String("b", "/var/lib/beanq", "binlog directory")
		port     = flag.Int("p", 11300, "listen port")
		addr     = flag.String("l", "0.0.0.0", "listen address")
		maxJob   = flag.Int("z", 65536, "max job size in bytes")
		fsyncMs  = flag.Int("f", 0, "fsync period in milliseconds (0 fsyncs after every write unless -F is set)")
		noFsync  = flag.Bool("F", false, "disable per-write fsync (a nonzero -f still fsyncs periodically)")
		segSize  = flag.Int64("s", wal.DefaultFilesize, "binlog segment size in bytes")
		verbose  = flag.Bool("V", false, "verbose logging")
	)
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "beanqd: logger setup:", err)
		return exitStartupFailure
	}
	defer log.Sync()

	w, recovered, nextID, err := wal.Open(wal.Options{
		Dir:      *dir,
		Filesize: *segSize,
		WantSync: !*noFsync,
		SyncRate: time.Duration(*fsyncMs) * time.Millisecond,
		Logger:   log,
	})
	if err != nil {
		return classifyOpenError(log, err)
	}

	srv := server.New(server.Options{
		WAL:              w,
		JobDataSizeLimit: *maxJob,
		Log:              log,
	}, recovered, nextID)

	loop, err := ioloop.New()
	if err != nil {
		log.Errorw("event loop setup failed", "error", err)
		w.Close()
		return exitStartupFailure
	}
	srv.UseScheduler(loop)

	fatalCh := make(chan error, 1)
	srv.OnFatal(func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
		loop.Close()
	})

	listenAddr := net.JoinHostPort(*addr, strconv.Itoa(*port))
	ln, err := ioloop.Listen(loop, "tcp", listenAddr)
	if err != nil {
		log.Errorw("listen failed", "addr", listenAddr, "error", err)
		loop.Close()
		w.Close()
		return exitStartupFailure
	}
	log.Infow("beanqd listening", "addr", listenAddr, "dir", *dir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				log.Infow("SIGUSR1 received, draining new connections")
				loop.Invoke(srv.Drain)
				ln.Close()
			case syscall.SIGTERM, syscall.SIGINT:
				log.Infow("shutdown signal received", "signal", sig)
				loop.Invoke(srv.Drain)
				ln.Close()
				loop.Close()
				return
			}
		}
	}()

	server.Serve(srv, loop, ln)

	if err := srv.Shutdown(); err != nil {
		log.Errorw("shutdown error", "error", err)
		return exitStartupFailure
	}

	select {
	case fatalErr := <-fatalCh:
		log.Errorw("exiting after fatal WAL failure", "error", fatalErr)
		return exitWALFatal
	default:
		return exitOK
	}
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// classifyOpenError maps a wal.Open failure to the exit codes of
// spec.md §6: a held advisory lock means another beanqd already owns
// this directory; anything wrapped in wal.ErrReplayFailed means the
// on-disk binlog is unusable.
func classifyOpenError(log *zap.SugaredLogger, err error) int {
	var replayErr *wal.ErrReplayFailed
	switch {
	case errors.As(err, &replayErr):
		log.Errorw("wal replay failed", "error", err)
		return exitReplayFailure
	case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EAGAIN):
		log.Errorw("wal directory already locked", "error", err)
		return exitLockFailure
	default:
		log.Errorw("wal open failed", "error", err)
		return exitStartupFailure
	}
}
