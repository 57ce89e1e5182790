// Package indexdb keeps a queryable SQLite index of runs and finished
// episodes. The step log stays the source of truth; the index may drop rows
// when its writer falls behind.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"hideseek.ai/internal/sim/tuning"
	"hideseek.ai/internal/sim/world"
)

type SQLiteIndex struct {
	db    *sql.DB
	runID string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

type req struct {
	runID   string
	episode world.EpisodeSummary
	at      time.Time
}

// Stats reports the writer queue state.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Written       uint64 `json:"written"`
	Dropped       uint64 `json:"dropped"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			num_worlds INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			tuning_digest TEXT NOT NULL,
			tuning_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			world INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			level INTEGER NOT NULL,
			num_hiders INTEGER NOT NULL,
			num_seekers INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			seeker_return REAL NOT NULL,
			hider_return REAL NOT NULL,
			detected_steps INTEGER NOT NULL,
			ended_by TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, world, episode)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_run_level ON episodes(run_id, level);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// BeginRun records a run with the tuning it applies. Later episodes are
// filed under this run.
func (s *SQLiteIndex) BeginRun(runID string, startedAt time.Time, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO runs(run_id,started_at,num_worlds,seed,tuning_digest,tuning_json) VALUES(?,?,?,?,?,?)`,
		runID, startedAt.UTC().Format(time.RFC3339Nano), tune.NumWorlds, tune.Seed, hex.EncodeToString(sum[:]), string(b),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.runID = runID
	return nil
}

// RecordEpisode queues a finished episode. It never blocks the simulation.
func (s *SQLiteIndex) RecordEpisode(e world.EpisodeSummary) {
	if s == nil || s.closed.Load() || s.runID == "" {
		return
	}
	select {
	case s.ch <- req{runID: s.runID, episode: e, at: time.Now().UTC()}:
	default:
		// Drop if the indexer falls behind; the step log remains the source of truth.
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(
		run_id,world,episode,seed,level,num_hiders,num_seekers,steps,
		seeker_return,hider_return,detected_steps,ended_by,recorded_at
	) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertEpisode != nil {
			_ = insertEpisode.Close()
		}
	}()

	var (
		tx            *sql.Tx
		pending       uint64
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err == nil {
			s.written.Add(pending)
		}
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil || insertEpisode == nil {
			s.dropped.Add(1)
			continue
		}
		e := r.episode
		if _, err := tx.Stmt(insertEpisode).Exec(
			r.runID,
			e.World,
			int64(e.Episode),
			int64(e.Seed),
			e.Level,
			e.NumHiders,
			e.NumSeekers,
			e.Steps,
			e.SeekerReturn,
			e.HiderReturn,
			e.DetectedSteps,
			e.EndedBy,
			r.at.Format(time.RFC3339Nano),
		); err != nil {
			s.dropped.Add(pending + 1)
			rollback()
			continue
		}
		opCount++
		pending++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}
