package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied to a running application; everything else is reported and takes
// effect on the next start.
type ConfigDiff struct {
	// LogLevelChanged is true when the log level differs. Applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true when any sanitizer or timeout tunable differs.
	PipelineChanged bool
	NewPipeline     PipelineConfig

	// RolesFileChanged is true when the roles file path differs.
	RolesFileChanged bool
	NewRolesFile     string

	// RequiresRestart lists config sections whose changes cannot be
	// applied to a running pipeline (providers, audio devices, memory).
	RequiresRestart []string
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PipelineChanged && !d.RolesFileChanged && len(d.RequiresRestart) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
		d.NewPipeline = new.Pipeline
	}

	if old.RolesFile != new.RolesFile {
		d.RolesFileChanged = true
		d.NewRolesFile = new.RolesFile
	}

	if old.Audio != new.Audio {
		d.RequiresRestart = append(d.RequiresRestart, "audio")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RequiresRestart = append(d.RequiresRestart, "providers")
	}
	if old.Memory != new.Memory {
		d.RequiresRestart = append(d.RequiresRestart, "memory")
	}
	if old.Metrics != new.Metrics {
		d.RequiresRestart = append(d.RequiresRestart, "metrics")
	}

	return d
}
