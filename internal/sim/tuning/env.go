package tuning

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix namespaces environment overrides, e.g. HIDESEEK_NUM_WORLDS.
const EnvPrefix = "HIDESEEK_"

// ApplyEnv overrides the run-level knobs from the environment. Only the
// settings an operator changes per deployment are exposed; everything else
// lives in tuning.yaml.
func (t *Tuning) ApplyEnv(getenv func(string) string) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"NUM_WORLDS", &t.NumWorlds},
		{"WORKERS", &t.Workers},
		{"EPISODE_STEPS", &t.Episode.EpisodeSteps},
		{"PREP_STEPS", &t.Episode.PrepSteps},
	}
	for _, e := range ints {
		v := strings.TrimSpace(getenv(EnvPrefix + e.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, e.key, err)
		}
		*e.dst = n
	}

	if v := strings.TrimSpace(getenv(EnvPrefix + "SEED")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sSEED: %w", EnvPrefix, err)
		}
		t.Seed = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"AUTO_RESET", &t.AutoReset},
		{"USE_FIXED_WORLD", &t.UseFixedWorld},
		{"END_WHEN_ALL_HIDERS_SEEN", &t.Episode.EndWhenAllHidersSeen},
	}
	for _, e := range bools {
		v := strings.TrimSpace(getenv(EnvPrefix + e.key))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, e.key, err)
		}
		*e.dst = b
	}

	if v := strings.TrimSpace(getenv(EnvPrefix + "DETECTION_MODE")); v != "" {
		t.Detection.Mode = v
	}
	t.Normalize()
	return t.Validate()
}
