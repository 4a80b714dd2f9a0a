package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamans/evreactor"
	"github.com/dreamans/evreactor/evlog"
	"github.com/dreamans/evreactor/util"
	"github.com/dreamans/evreactor/workerpool"
)

type flags struct {
	Addr        string
	Backlog     int
	Clients     int
	Rounds      int
	RoundDelay  time.Duration
	Duration    time.Duration
	Workers     int
	MaxAttempts int
	LogLevel    string
}

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:   "evreactor-demo",
		Short: "accept loopback connections through a one-shot listener registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
		SilenceUsage: true,
	}

	command.Flags().StringVarP(&f.Addr, "addr", "a", "127.0.0.1:8080", "Listen address.")
	command.Flags().IntVar(&f.Backlog, "backlog", 4096, "Listen backlog.")
	command.Flags().IntVarP(&f.Clients, "clients", "c", 150, "Client connections per round.")
	command.Flags().IntVarP(&f.Rounds, "rounds", "r", 2, "Number of client rounds.")
	command.Flags().DurationVar(&f.RoundDelay, "round-delay", 900*time.Millisecond, "Pause before each client round.")
	command.Flags().DurationVarP(&f.Duration, "duration", "d", 3*time.Second, "How long the server runs before shutting down.")
	command.Flags().IntVarP(&f.Workers, "workers", "w", 32, "Worker cap for the task pool, 0 for no cap.")
	command.Flags().IntVar(&f.MaxAttempts, "max-attempts", 50, "Connect attempts per client before giving up.")
	command.Flags().StringVar(&f.LogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error.")

	if err := command.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

// validate rejects a worker cap that leaves no worker for callbacks: the
// reactor's wait loop keeps one worker for as long as it runs.
func (f *flags) validate() error {
	if f.Workers == 1 {
		return fmt.Errorf("--workers must be 0 (no cap) or at least 2, got %d", f.Workers)
	}
	if f.Workers < 0 {
		return fmt.Errorf("--workers must not be negative, got %d", f.Workers)
	}
	return nil
}

func run(f *flags) error {
	if err := f.validate(); err != nil {
		return err
	}
	logger, err := evlog.NewLogger(f.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	evlog.SetLogger(logger)

	pool := workerpool.New(
		workerpool.WithMaxWorkers(f.Workers),
		workerpool.WithLogger(logger),
	)

	ref, err := pool.Ref()
	if err != nil {
		return err
	}
	reactor, err := evreactor.New(ref, evreactor.WithLogger(logger))
	if err != nil {
		ref.Release()
		_ = pool.Close()
		return fmt.Errorf("create reactor: %w", err)
	}

	stats := new(counters)
	srv, err := newServer(f.Addr, f.Backlog, reactor, stats, logger.WithField("role", "server"))
	if err != nil {
		_ = reactor.Close()
		_ = pool.Close()
		return err
	}
	logger.Infof("<Server> listen socket [%d] at %s, stopping in %s", srv.fd, srv.addr, f.Duration)

	go func() {
		for k := 0; k < f.Rounds; k++ {
			time.Sleep(f.RoundDelay)
			for i := 0; i < f.Clients; i++ {
				task := newConnectTask(k*f.Clients+i, srv.addr.String(), f.MaxAttempts, stats, logger)
				if err := pool.Submit(task.run); err != nil {
					logger.Warnf("client %d not submitted: %s", task.index, err)
					return
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-time.After(f.Duration):
	case s := <-sig:
		logger.Infof("received %s", s)
	case <-pool.Fatal():
		logger.Errorf("background failure: %s", pool.Err())
	}

	logger.Infof("woke up and stopping...")
	closeErr := reactor.Close()

	incoming, outgoing := stats.snapshot()
	logger.Infof("incoming: %d", incoming)
	logger.Infof("outgoing: %d", outgoing)
	if closeErr != nil {
		// the wait loop may still hold a worker, so the pool is left running
		return closeErr
	}
	if err := pool.Close(); err != nil {
		return err
	}
	logger.Infof("stopped")
	return pool.Err()
}

type server struct {
	fd      int
	addr    net.Addr
	reactor *evreactor.Reactor
	stats   *counters
	log     evlog.Logger
}

func newServer(addr string, backlog int, reactor *evreactor.Reactor, stats *counters, log evlog.Logger) (*server, error) {
	fd, err := util.Listen(addr, backlog)
	if err != nil {
		return nil, err
	}
	local, err := util.LocalAddr(fd)
	if err != nil {
		_ = util.CloseSocket(fd)
		return nil, err
	}
	srv := &server{fd: fd, addr: local, reactor: reactor, stats: stats, log: log}

	// once recorded, even by a failed Add, the listener belongs to the
	// reactor and is closed on teardown
	ok, err := reactor.Add(fd, evreactor.FlagRead|evreactor.FlagOneShot, srv.accept)
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = util.CloseSocket(fd)
		return nil, fmt.Errorf("listener socket [%d] not registered", fd)
	}
	return srv, nil
}

func (s *server) accept(fd int) {
	nfd, remote, err := util.Accept(fd)
	switch {
	case err == nil:
		n := s.stats.accepted()
		s.log.Infof("<Server> client #%d connected at socket [%d] from %s", n, nfd, remote)
		_ = util.CloseSocket(nfd)
	case util.TemporaryErr(err):
	default:
		s.log.Errorf("accept: %s", err)
	}

	if _, err := s.reactor.ResetFlags(fd); err != nil {
		s.log.Errorf("re-arm listener: %s", err)
	}
}
