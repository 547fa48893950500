package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobrunner/pkg/logx"
)

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.max_per_sec", newCfg.Logging.MaxPerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_retries", newCfg.Scheduler.MaxRetries),
			logx.String("scheduler.retry_base", strings.TrimSpace(newCfg.Scheduler.RetryBase)),
			logx.String("scheduler.retry_max_delay", strings.TrimSpace(newCfg.Scheduler.RetryMaxDelay)),
			logx.Float64("scheduler.retry_jitter", newCfg.Scheduler.RetryJitter),
			logx.String("scheduler.overlap", newCfg.Scheduler.Overlap),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nS.Retention)),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.prune_interval", strings.TrimSpace(newCfg.Maintenance.PruneInterval)),
			logx.Bool("maintenance.compact_on_start", newCfg.Maintenance.CompactOnStart),
		)
	}

	// Compare ops without the token, then compare token presence only.
	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oTok, nTok := strings.TrimSpace(oOps.Token) != "", strings.TrimSpace(nOps.Token) != ""
	oOps.Token, nOps.Token = "", ""
	if oOps != nOps || oTok != nTok {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nOps.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nOps.Addr)),
			logx.Bool("ops.token_set", nTok),
			logx.Bool("ops.profiler", nOps.Profiler),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs,
			logx.Bool("tracing.enabled", newCfg.Tracing.Enabled),
			logx.String("tracing.endpoint", strings.TrimSpace(newCfg.Tracing.Endpoint)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
