package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"hideseek.ai/internal/sim/multiworld"
	"hideseek.ai/internal/sim/tuning"
)

// ErrStop ends ReadSteps early without an error.
var ErrStop = errors.New("stop")

const (
	runFile    = "run.json"
	tuningFile = "tuning.yaml"
)

// RunHeader identifies a recorded run. The effective tuning is stored next
// to it so a replay rebuilds the same batch.
type RunHeader struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	NumWorlds int       `json:"num_worlds"`
	Seed      int64     `json:"seed"`
}

func WriteRunHeader(runDir string, h RunHeader, t tuning.Tuning) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	hb, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(runDir, runFile), hb, 0o644); err != nil {
		return err
	}
	tb, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, tuningFile), tb, 0o644)
}

func ReadRunHeader(runDir string) (RunHeader, tuning.Tuning, error) {
	var h RunHeader
	b, err := os.ReadFile(filepath.Join(runDir, runFile))
	if err != nil {
		return h, tuning.Tuning{}, err
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, tuning.Tuning{}, fmt.Errorf("%s: %w", runFile, err)
	}
	t, err := tuning.Load(filepath.Join(runDir, tuningFile))
	if err != nil {
		return h, t, err
	}
	return h, t, nil
}

// ListStepFiles returns a run's step files in write order.
func ListStepFiles(runDir string) ([]string, error) {
	dir := StepsDir(runDir)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, stepsPrefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadSteps decodes every entry of one step file in order. Returning ErrStop
// from fn ends the scan cleanly.
func ReadSteps(path string, fn func(multiworld.StepLogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 32*1024*1024)
	for sc.Scan() {
		var e multiworld.StepLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}
