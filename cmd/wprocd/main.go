// Command wprocd is the dispatcher core's host process: it wires the
// pool registry, broker, and dispatcher loop together, spawns the
// initial worker population, and exposes an HTTP status/metrics surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mjtrangoni/wprocd/internal/dispatch"
	"github.com/mjtrangoni/wprocd/internal/job"
	"github.com/mjtrangoni/wprocd/internal/lifecycle"
	"github.com/mjtrangoni/wprocd/internal/metrics"
	"github.com/mjtrangoni/wprocd/internal/registry"
	"github.com/mjtrangoni/wprocd/internal/resulthandler"
	"github.com/mjtrangoni/wprocd/internal/sink"
	"github.com/mjtrangoni/wprocd/internal/spawn"
	"github.com/mjtrangoni/wprocd/internal/wire"
	"github.com/mjtrangoni/wprocd/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		workers      int
		workerBinary string
		port         int
		serviceTO    time.Duration
		hostTO       time.Duration
		notifyTO     time.Duration
		restartDelay time.Duration
		registerAddr string
	)

	cmd := &cobra.Command{
		Use:   "wprocd",
		Short: "Worker-process dispatch core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatcher(dispatcherConfig{
				workers:      workers,
				workerBinary: workerBinary,
				port:         port,
				timeouts: dispatch.Timeouts{
					ServiceCheck: serviceTO,
					HostCheck:    hostTO,
					Notification: notifyTO,
				},
				restartDelay: restartDelay,
				registerAddr: registerAddr,
			})
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "target worker count (0 = auto, negative = NumCPU + |n|)")
	cmd.Flags().StringVar(&workerBinary, "worker-binary", "wprocd-worker", "path to the worker binary")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP status/metrics listen port")
	cmd.Flags().DurationVar(&serviceTO, "service-check-timeout", 60*time.Second, "default service check timeout")
	cmd.Flags().DurationVar(&hostTO, "host-check-timeout", 30*time.Second, "default host check timeout")
	cmd.Flags().DurationVar(&notifyTO, "notification-timeout", 30*time.Second, "default notification timeout")
	cmd.Flags().DurationVar(&restartDelay, "restart-delay", lifecycle.DefaultRestartDelay, "delay before respawning a dead worker")
	cmd.Flags().StringVar(&registerAddr, "register-addr", "", "TCP address external workers can dial to self-register (empty disables it)")

	cmd.AddCommand(newWorkerCmd())
	return cmd
}

// newWorkerCmd makes `wprocd worker` print where the reference worker
// implementation lives (cmd/wprocd-worker). It does not run or inspect the
// configured --worker-binary.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Print where the reference worker implementation lives",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("see cmd/wprocd-worker")
			return nil
		},
	}
}

type dispatcherConfig struct {
	workers      int
	workerBinary string
	port         int
	timeouts     dispatch.Timeouts
	restartDelay time.Duration
	registerAddr string
}

func runDispatcher(cfg dispatcherConfig) error {
	runID := uuid.New().String()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("run_id", runID).Logger()

	log.Info().Int("workers", cfg.workers).Str("worker_binary", cfg.workerBinary).
		Int("port", cfg.port).Msg("starting dispatcher")

	results := sink.CheckResultSinkFunc(func(cr *job.CheckResult) {
		log.Info().Str("host", cr.HostName).Str("service", cr.ServiceDescription).
			Int("return_code", cr.ReturnCode).Bool("exited_ok", cr.ExitedOK).
			Str("engine", cr.Engine).Msg("check result")
	})

	sub := dispatch.New(results, log, cfg.timeouts, 4096, 1<<16)

	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)

	sub.OnSubmitError = func(reason string) {
		collectors.DispatchErrors.WithLabelValues(reason).Inc()
	}

	supervisor := &lifecycle.Supervisor{
		Subsystem:    sub,
		Spawner:      &spawn.ProcessSpawner{BinaryPath: cfg.workerBinary},
		SourceName:   "wprocd-worker",
		MaxJobs:      dispatch.DefaultMaxJobs,
		RestartDelay: cfg.restartDelay,
		Log:          log,
	}

	rh := &resulthandler.Handler{
		Registry: sub.Registry,
		Sink:     sub.Sink,
		Log:      log,
		Resubmit: sub,
		Untrack: func(h *worker.Handle) {
			collectors.WorkerDeaths.Inc()
			supervisor.HandleWorkerGone(h)
		},
		OnError: func(reason string) {
			collectors.DispatchErrors.WithLabelValues(reason).Inc()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := supervisor.InitWorkers(cfg.workers); err != nil {
		return fmt.Errorf("initial worker population: %w", err)
	}
	log.Info().Int("target", lifecycle.TargetCount(cfg.workers)).Msg("initial worker population spawned")

	go sub.Loop(ctx, rh)

	if cfg.registerAddr != "" {
		handlers := registry.New()
		sub.RegisterHandlers(handlers)
		ln, err := net.Listen("tcp", cfg.registerAddr)
		if err != nil {
			return fmt.Errorf("register listener: %w", err)
		}
		defer ln.Close()
		go serveRegistrations(ctx, log, ln, handlers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		collectors.Sample(sub)
		handleStatus(w, sub)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.port), Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		supervisor.Teardown(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// serveRegistrations accepts connections from externally-registering
// workers until ctx is cancelled, handing each one a single "register"
// command dispatch through handlers.
func serveRegistrations(ctx context.Context, log zerolog.Logger, ln net.Listener, handlers *registry.Handlers) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("register listener accept failed")
			continue
		}
		go handleRegistration(log, conn, handlers)
	}
}

// handleRegistration reads one complete MsgDelim-framed command off conn
// — the same framing every other message on this socket uses, so a
// multi-pair, newline-separated registration body (spec.md §4.4/§6) is
// never mistaken for multiple lines the way a bare bufio.ReadString('\n')
// would. Whatever the decoder already read past that frame is handed to
// the adopted connection so no bytes are dropped.
func handleRegistration(log zerolog.Logger, conn net.Conn, handlers *registry.Handlers) {
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	var frame []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if f, ok := dec.Next(); ok {
				frame = f
				break
			}
		}
		if err != nil {
			log.Warn().Err(err).Msg("failed to read registration command")
			_ = conn.Close()
			return
		}
	}

	reply := handlers.Dispatch(&registeredConn{pre: dec.Drain(), c: conn}, frame)
	fmt.Fprintf(conn, "%d %s\n", reply.Status, reply.Body)
	if reply.Status != 0 {
		_ = conn.Close()
	}
}

// registeredConn lets a worker's control connection be handed to the
// broker after its registration command has already been consumed off
// the wire: reads drain whatever bytes were already buffered ahead of
// that frame before falling through to the raw connection.
type registeredConn struct {
	pre []byte
	c   net.Conn
}

func (rc *registeredConn) Read(p []byte) (int, error) {
	if len(rc.pre) > 0 {
		n := copy(p, rc.pre)
		rc.pre = rc.pre[n:]
		return n, nil
	}
	return rc.c.Read(p)
}
func (rc *registeredConn) Write(p []byte) (int, error) { return rc.c.Write(p) }
func (rc *registeredConn) Close() error                { return rc.c.Close() }

func handleStatus(w http.ResponseWriter, sub *dispatch.Subsystem) {
	handles := sub.Handles()
	type workerStatus struct {
		ID      int    `json:"id"`
		Source  string `json:"source"`
		PID     int    `json:"pid"`
		State   string `json:"state"`
		Running int    `json:"jobs_running"`
		Started uint64 `json:"jobs_started"`
	}
	out := make([]workerStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, workerStatus{
			ID:      h.ID,
			Source:  h.SourceName,
			PID:     h.PID,
			State:   h.State().String(),
			Running: h.Jobs.Running(),
			Started: h.Jobs.Started(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"global_pool_size": sub.Registry.Global.Len(),
		"workers":          out,
	})
}
