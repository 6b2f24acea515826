package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postdeck/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens or DSNs),
// and (3) a list of platform names whose settings changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage changes need a restart; surface them anyway so operators notice.
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		oS.DSN != nS.DSN ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.MaxOpenConns != nS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
		)
	}

	oQ, nQ := oldCfg.Queue, newCfg.Queue
	oQ.Redis.Password, nQ.Redis.Password = "", ""
	if !reflect.DeepEqual(oQ, nQ) || (oldCfg.Queue.Redis.Password != newCfg.Queue.Redis.Password) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.backend", nQ.Backend),
			logx.Int("queue.max_attempts", nQ.MaxAttempts),
			logx.String("queue.retry_base", nQ.RetryBase),
			logx.String("queue.retry_max_delay", nQ.RetryMaxDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		te := newCfg.TaskEngine
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(te.MaxQueueDelay)),
			logx.Int("task_engine.circuit_trip_failures", te.CircuitTripFailures),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scanner, newCfg.Scanner) {
		changed = append(changed, "scanner")
		sc := newCfg.Scanner
		attrs = append(attrs,
			logx.String("scanner.schedule", sc.Schedule),
			logx.Int("scanner.batch_size", sc.BatchSize),
			logx.Int("scanner.parallelism", sc.Parallelism),
			logx.String("scanner.recover_schedule", sc.RecoverSchedule),
		)
	}

	if oldCfg.Publish != newCfg.Publish {
		changed = append(changed, "publish")
		attrs = append(attrs, logx.String("publish.timeout", newCfg.Publish.Timeout))
	}

	if !reflect.DeepEqual(oldCfg.Media, newCfg.Media) {
		changed = append(changed, "media")
		attrs = append(attrs,
			logx.String("media.driver", newCfg.Media.Driver),
			logx.String("media.max_size", newCfg.Media.MaxSize),
		)
	}

	// Ops (never log token)
	oO, nO := oldCfg.Ops, newCfg.Ops
	if oO.Enabled != nO.Enabled ||
		strings.TrimSpace(oO.Addr) != strings.TrimSpace(nO.Addr) ||
		oO.AllowInsecure != nO.AllowInsecure ||
		oO.Pprof != nO.Pprof ||
		oO.ReadTimeout != nO.ReadTimeout ||
		oO.WriteTimeout != nO.WriteTimeout ||
		oO.IdleTimeout != nO.IdleTimeout ||
		oO.Token != nO.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(nO.Token) != ""),
			logx.Bool("ops.pprof", nO.Pprof),
		)
	}

	platforms := diffPlatforms(oldCfg.Platforms, newCfg.Platforms)
	if len(platforms) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Strs("platforms.changed", platforms))
	}

	sort.Strings(changed)
	return changed, attrs, platforms
}

func diffPlatforms(oldM, newM map[string]PlatformConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
