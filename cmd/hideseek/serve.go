package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"hideseek.ai/internal/observerproto"
	"hideseek.ai/internal/persistence/archive"
	"hideseek.ai/internal/persistence/indexdb"
	persistlog "hideseek.ai/internal/persistence/log"
	"hideseek.ai/internal/sim/multiworld"
	"hideseek.ai/internal/sim/world"
	"hideseek.ai/internal/transport/observer"
	"hideseek.ai/internal/transport/ws"
)

type serveFlags struct {
	addr        string
	disableDB   bool
	disableLog  bool
	enablePprof bool
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	var sf serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator behind the learner and observer websockets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*rf, sf)
		},
	}
	cmd.Flags().StringVar(&sf.addr, "addr", envOr("HIDESEEK_ADDR", ":8080"), "http listen address")
	cmd.Flags().BoolVar(&sf.disableDB, "disable_db", envBool("HIDESEEK_DISABLE_DB", false), "disable the sqlite episode index")
	cmd.Flags().BoolVar(&sf.disableLog, "disable_step_log", envBool("HIDESEEK_DISABLE_STEP_LOG", false), "do not record steps for replay")
	cmd.Flags().BoolVar(&sf.enablePprof, "pprof", envBool("HIDESEEK_ENABLE_PPROF_HTTP", false), "serve /debug/pprof")
	return cmd
}

func runServe(rf rootFlags, sf serveFlags) error {
	logger := newLogger("server")

	tune, err := loadTuning(rf.tuningPath, logger)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}

	mgr, err := multiworld.NewManager(tune, logger)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	defer mgr.Close()

	runID := uuid.NewString()
	runDir := filepath.Join(rf.dataDir, "runs", runID)
	startedAt := time.Now().UTC()
	if err := persistlog.WriteRunHeader(runDir, persistlog.RunHeader{
		RunID:     runID,
		StartedAt: startedAt,
		NumWorlds: tune.NumWorlds,
		Seed:      tune.Seed,
	}, mgr.Tuning()); err != nil {
		return fmt.Errorf("run header: %w", err)
	}
	logger.Printf("run=%s dir=%s", runID, runDir)

	var stepLog *persistlog.StepLogger
	if !sf.disableLog {
		stepLog = persistlog.NewStepLogger(runDir)
		mgr.SetStepLogger(stepLog)
	}
	episodeLog := persistlog.NewEpisodeLogger(runDir, logger.Printf)

	var idx *indexdb.SQLiteIndex
	if !sf.disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(rf.dataDir, "index", "hideseek.sqlite"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		if err := idx.BeginRun(runID, startedAt, mgr.Tuning()); err != nil {
			_ = idx.Close()
			return fmt.Errorf("index run: %w", err)
		}
	}
	if idx != nil {
		mgr.SetEpisodeRecorder(multiRecorder{a: episodeLog, b: idx})
	} else {
		mgr.SetEpisodeRecorder(multiRecorder{a: episodeLog})
	}

	ctx, cancel := signalContext()
	defer cancel()

	if stepLog != nil {
		go flushEvery(ctx, stepLog, 2*time.Second, logger)
	}

	router := newRouter(mgr, idx, logger)
	if sf.enablePprof {
		r := router.PathPrefix("/debug/pprof").Subrouter()
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (HIDESEEK_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              sf.addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", sf.addr)
	serveErr := srv.ListenAndServe()
	if serveErr == http.ErrServerClosed {
		serveErr = nil
	}

	mgr.Close()
	if stepLog != nil {
		if err := stepLog.Close(); err != nil {
			logger.Printf("close step log: %v", err)
		}
	}
	if err := episodeLog.Close(); err != nil {
		logger.Printf("close episode log: %v", err)
	}
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("close index: %v", err)
		}
		st := idx.Stats()
		logger.Printf("index: written=%d dropped=%d", st.Written, st.Dropped)
	}
	if m, err := archive.SealRun(runDir, runID, mgr.Tick()); err != nil {
		logger.Printf("seal run: %v", err)
	} else {
		logger.Printf("sealed run=%s tick=%d files=%d", runID, m.EndTick, len(m.Files))
	}
	return serveErr
}

func newRouter(mgr *multiworld.Manager, idx *indexdb.SQLiteIndex, logger *log.Logger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metricsHandler(mgr, idx)).Methods(http.MethodGet)

	r.HandleFunc("/v1/ws", ws.NewServer(mgr, logger).Handler())

	obsSrv := observer.NewServer(mgr, logger)
	r.HandleFunc("/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	r.HandleFunc("/v1/observer/ws", obsSrv.WSHandler())
	r.HandleFunc("/v1/worlds/{world:[0-9]+}", worldHandler(mgr)).Methods(http.MethodGet)
	return r
}

// worldHandler returns the current frame of one world as JSON.
func worldHandler(mgr *multiworld.Manager) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		i, err := strconv.Atoi(vars["world"])
		if err != nil {
			http.Error(rw, "bad world index", http.StatusBadRequest)
			return
		}
		var frame observerproto.FrameMsg
		err = mgr.InspectWorld(i, func(tick uint64, w *world.World) {
			frame = observer.Frame(tick, w)
		})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusNotFound)
			return
		}
		body, err := json.Marshal(frame)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write(body)
	}
}

func metricsHandler(mgr *multiworld.Manager, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := mgr.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP hideseek_tick Completed batch steps.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_tick counter\n")
		fmt.Fprintf(rw, "hideseek_tick %d\n", m.Tick)

		fmt.Fprintf(rw, "# HELP hideseek_worlds Worlds in the batch.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_worlds gauge\n")
		fmt.Fprintf(rw, "hideseek_worlds %d\n", m.NumWorlds)
		fmt.Fprintf(rw, "hideseek_workers %d\n", m.Workers)

		fmt.Fprintf(rw, "# HELP hideseek_worlds_by_phase Worlds per episode phase.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_worlds_by_phase gauge\n")
		fmt.Fprintf(rw, "hideseek_worlds_by_phase{phase=%q} %d\n", "preparing", m.PreparingWorlds)
		fmt.Fprintf(rw, "hideseek_worlds_by_phase{phase=%q} %d\n", "active", m.ActiveWorlds)
		fmt.Fprintf(rw, "hideseek_worlds_by_phase{phase=%q} %d\n", "stalled", m.StalledWorlds)

		fmt.Fprintf(rw, "# HELP hideseek_resets_total World resets applied.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_resets_total counter\n")
		fmt.Fprintf(rw, "hideseek_resets_total %d\n", m.Resets)

		fmt.Fprintf(rw, "# HELP hideseek_episodes_finished_total Episodes that reached a terminal step.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_episodes_finished_total counter\n")
		fmt.Fprintf(rw, "hideseek_episodes_finished_total %d\n", m.EpisodesFinished)

		fmt.Fprintf(rw, "# HELP hideseek_step_ms Batch step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_step_ms gauge\n")
		fmt.Fprintf(rw, "hideseek_step_ms{stat=%q} %.3f\n", "last", m.LastStepMS)
		fmt.Fprintf(rw, "hideseek_step_ms{stat=%q} %.3f\n", "avg", m.AvgStepMS)

		if idx == nil {
			return
		}
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP hideseek_index_queue_depth Episode index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "hideseek_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "hideseek_index_queue_capacity %d\n", s.QueueCapacity)
		fmt.Fprintf(rw, "# HELP hideseek_index_rows_total Episode index rows by outcome.\n")
		fmt.Fprintf(rw, "# TYPE hideseek_index_rows_total counter\n")
		fmt.Fprintf(rw, "hideseek_index_rows_total{outcome=%q} %d\n", "written", s.Written)
		fmt.Fprintf(rw, "hideseek_index_rows_total{outcome=%q} %d\n", "dropped", s.Dropped)
	}
}

func flushEvery(ctx context.Context, l *persistlog.StepLogger, every time.Duration, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Flush(); err != nil {
				logger.Printf("flush step log: %v", err)
			}
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

type multiRecorder struct {
	a multiworld.EpisodeRecorder
	b multiworld.EpisodeRecorder
}

func (m multiRecorder) RecordEpisode(s world.EpisodeSummary) {
	if m.a != nil {
		m.a.RecordEpisode(s)
	}
	if m.b != nil {
		m.b.RecordEpisode(s)
	}
}
