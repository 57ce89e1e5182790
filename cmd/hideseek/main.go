package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"hideseek.ai/internal/sim/tuning"
)

type rootFlags struct {
	tuningPath string
	dataDir    string
}

func main() {
	for _, envFile := range []string{
		".env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "hideseek",
		Short:         "Batched multi-world hide-and-seek simulator.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&rf.tuningPath, "tuning", envOr("HIDESEEK_TUNING", filepath.Join("configs", "tuning.yaml")), "path to tuning.yaml")
	root.PersistentFlags().StringVar(&rf.dataDir, "data", envOr("HIDESEEK_DATA", "./data"), "runtime data directory")

	root.AddCommand(newServeCmd(&rf), newBenchCmd(&rf), newReplayCmd(&rf))
	return root
}

// loadTuning reads the tuning file and applies HIDESEEK_* overrides. A
// missing file falls back to the defaults.
func loadTuning(path string, logger *log.Logger) (tuning.Tuning, error) {
	tune, err := tuning.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return tune, err
		}
		logger.Printf("tuning not found (%s); using defaults", path)
		tune = tuning.Defaults()
	}
	if err := tune.ApplyEnv(os.Getenv); err != nil {
		return tune, err
	}
	return tune, nil
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, "["+prefix+"] ", log.LstdFlags|log.Lmicroseconds)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
