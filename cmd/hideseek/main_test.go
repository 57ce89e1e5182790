package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hideseek.ai/internal/observerproto"
	"hideseek.ai/internal/persistence/archive"
	persistlog "hideseek.ai/internal/persistence/log"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/multiworld"
	"hideseek.ai/internal/sim/tuning"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func smallTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.NumWorlds = 2
	t.Episode.EpisodeSteps = 24
	t.Episode.PrepSteps = 6
	return t
}

// recordRun steps a small batch with a step logger attached and returns the
// run directory.
func recordRun(t *testing.T, steps int, seal bool) string {
	t.Helper()
	runDir := filepath.Join(t.TempDir(), "run")
	tune := smallTuning()
	mgr, err := multiworld.NewManager(tune, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer mgr.Close()
	if err := persistlog.WriteRunHeader(runDir, persistlog.RunHeader{RunID: "test-run", StartedAt: time.Now().UTC(), NumWorlds: 2, Seed: tune.Seed}, mgr.Tuning()); err != nil {
		t.Fatalf("header: %v", err)
	}
	sl := persistlog.NewStepLogger(runDir)
	mgr.SetStepLogger(sl)

	r := rand.New(rand.NewPCG(3, 4))
	actions := make([]int32, len(mgr.Buffers().Actions))
	for i := 0; i < steps; i++ {
		for a := range actions {
			actions[a] = int32(r.IntN(4))
		}
		if err := mgr.SetActions(actions); err != nil {
			t.Fatalf("actions: %v", err)
		}
		if i == 10 {
			if err := mgr.Reset(1, 2, 1, 3); err != nil {
				t.Fatalf("reset: %v", err)
			}
		}
		if err := mgr.Step(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if err := sl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if seal {
		if _, err := archive.SealRun(runDir, "test-run", mgr.Tick()); err != nil {
			t.Fatalf("seal: %v", err)
		}
	}
	return runDir
}

func TestReplay_VerifiesRecordedRun(t *testing.T) {
	runDir := recordRun(t, 30, true)
	res, err := runReplay(runDir, replayFlags{}, quietLogger())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.RunID != "test-run" || res.Checked != 30 || res.LastTick != 31 {
		t.Fatalf("result: %+v", res)
	}
}

func TestReplay_StopsAtTick(t *testing.T) {
	runDir := recordRun(t, 20, false)
	res, err := runReplay(runDir, replayFlags{toTick: 10}, quietLogger())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Checked != 9 || res.LastTick != 10 {
		t.Fatalf("result: %+v", res)
	}
}

func TestReplay_RejectsTamperedRun(t *testing.T) {
	runDir := recordRun(t, 5, true)
	if err := os.WriteFile(filepath.Join(runDir, "tuning.yaml"), []byte("num_worlds: 3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := runReplay(runDir, replayFlags{}, quietLogger()); err == nil || !strings.Contains(err.Error(), "verify manifest") {
		t.Fatalf("expected manifest error, got %v", err)
	}
}

func TestReplay_DetectsDigestMismatch(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run")
	tune := smallTuning()
	if err := persistlog.WriteRunHeader(runDir, persistlog.RunHeader{RunID: "forged", NumWorlds: 2}, tune); err != nil {
		t.Fatalf("header: %v", err)
	}
	sl := persistlog.NewStepLogger(runDir)
	err := sl.WriteStep(multiworld.StepLogEntry{
		Tick:    2,
		Actions: make([]int32, tune.NumWorlds*model.MaxAgents*model.ActionWidth),
		Digests: []string{"00", "00"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = sl.Close()

	_, err = runReplay(runDir, replayFlags{skipVerify: true}, quietLogger())
	var mm *DigestMismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("expected DigestMismatchError, got %v", err)
	}
	if mm.Tick != 2 || mm.World != 0 {
		t.Fatalf("mismatch: %+v", mm)
	}
}

func TestRouter_Endpoints(t *testing.T) {
	mgr, err := multiworld.NewManager(smallTuning(), nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer mgr.Close()
	hs := httptest.NewServer(newRouter(mgr, nil, quietLogger()))
	defer hs.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(hs.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "hideseek_tick 1\n") || !strings.Contains(body, "hideseek_worlds 2\n") {
		t.Fatalf("metrics: %d %s", code, body)
	}
	if strings.Contains(body, "hideseek_index_") {
		t.Fatalf("index metrics without an index")
	}

	code, body = get("/v1/worlds/1")
	if code != http.StatusOK {
		t.Fatalf("world: %d %s", code, body)
	}
	var f observerproto.FrameMsg
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.World != 1 || f.Tick != 1 || len(f.Agents) != 5 {
		t.Fatalf("frame: %+v", f)
	}
	if code, _ := get("/v1/worlds/7"); code != http.StatusNotFound {
		t.Fatalf("missing world: %d", code)
	}
}

func TestBench_ReportsThroughput(t *testing.T) {
	res, err := runBench(rootFlags{}, benchFlags{steps: 5, worlds: 2, workers: 1, seed: 1}, quietLogger())
	if err != nil {
		t.Fatalf("bench: %v", err)
	}
	if res.Steps != 5 || res.Worlds != 2 || res.Workers != 1 {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.String(), "agent_steps/s=") {
		t.Fatalf("summary: %s", res)
	}
}
