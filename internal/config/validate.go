package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate performs static checks that do not need any runtime collaborator.
// Schedule specs are checked by the app layer, which owns the scheduler parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres driver"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Backend)) {
	case "", "sql":
	case "redis":
		if strings.TrimSpace(cfg.Queue.Redis.Addr) == "" {
			add(errors.New("queue.redis.addr: required for redis backend"))
		}
	default:
		add(fmt.Errorf("queue.backend: unknown backend %q", cfg.Queue.Backend))
	}
	if cfg.Queue.MaxAttempts < 0 {
		add(errors.New("queue.max_attempts: must be >= 0"))
	}
	dur("queue.poll_interval", cfg.Queue.PollInterval)
	dur("queue.lease_timeout", cfg.Queue.LeaseTimeout)
	dur("queue.retry_base", cfg.Queue.RetryBase)
	dur("queue.retry_max_delay", cfg.Queue.RetryMaxDelay)

	dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
	dur("task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay)
	dur("task_engine.circuit_base_delay", cfg.TaskEngine.CircuitBaseDelay)
	dur("task_engine.circuit_max_delay", cfg.TaskEngine.CircuitMaxDelay)
	dur("task_engine.circuit_reset_after", cfg.TaskEngine.CircuitResetAfter)
	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 {
		add(errors.New("task_engine: workers and queue_size must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if cfg.Scanner.BatchSize < 0 || cfg.Scanner.MaxBatches < 0 || cfg.Scanner.Parallelism < 0 || cfg.Scanner.EnqueueRetries < 0 {
		add(errors.New("scanner: numeric fields must be >= 0"))
	}
	dur("scanner.stall_after", cfg.Scanner.StallAfter)
	dur("publish.timeout", cfg.Publish.Timeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Media.Driver)) {
	case "", "local":
	case "ftp":
		if strings.TrimSpace(cfg.Media.FTP.Addr) == "" {
			add(errors.New("media.ftp.addr: required for ftp driver"))
		}
	default:
		add(fmt.Errorf("media.driver: unknown driver %q", cfg.Media.Driver))
	}
	if _, err := ParseSizeOrDefault("media.max_size", cfg.Media.MaxSize, 0); err != nil {
		add(err)
	}
	dur("media.ftp.timeout", cfg.Media.FTP.Timeout)

	for name, p := range cfg.Platforms {
		if p.RatePerSec < 0 || p.Burst < 0 || p.Concurrency < 0 {
			add(fmt.Errorf("platforms.%s: rate_per_sec, burst and concurrency must be >= 0", name))
		}
		dur("platforms."+name+".timeout", p.Timeout)
	}

	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errors.Join(errs...)
}
