package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"postdeck/internal/config"
	"postdeck/internal/media"
	"postdeck/internal/model"
	"postdeck/internal/observability/ops"
	"postdeck/internal/platform"
	"postdeck/internal/platform/facebook"
	"postdeck/internal/platform/instagram"
	"postdeck/internal/platform/linkedin"
	"postdeck/internal/platform/telegram"
	"postdeck/internal/platform/twitter"
	"postdeck/internal/publish"
	"postdeck/internal/queue"
	"postdeck/internal/queue/redisq"
	"postdeck/internal/scanner"
	"postdeck/internal/task/engine"
	"postdeck/internal/task/scheduler"
	logx "postdeck/pkg/logx"
)

const (
	jobScan    = "scan.due"
	jobRecover = "scan.recover"
	jobReap    = "queue.reap"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// The engine always runs: it executes publish tasks, not only scheduled jobs.
func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	te := cfg.TaskEngine
	out := engine.Config{
		Enabled:             true,
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		HistorySize:         te.HistorySize,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"task_engine.default_timeout", te.DefaultTimeout, &out.DefaultTimeout},
		{"task_engine.max_queue_delay", te.MaxQueueDelay, &out.MaxQueueDelay},
		{"task_engine.circuit_base_delay", te.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"task_engine.circuit_max_delay", te.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"task_engine.circuit_reset_after", te.CircuitResetAfter, &out.CircuitResetAfter},
	} {
		if *f.dst, err = parseDurationField(f.path, f.raw); err != nil {
			return engine.Config{}, err
		}
	}
	return out, nil
}

func mapPolicy(cfg *Config) (queue.Policy, error) {
	base, err := parseDurationField("queue.retry_base", cfg.Queue.RetryBase)
	if err != nil {
		return queue.Policy{}, err
	}
	maxDelay, err := parseDurationField("queue.retry_max_delay", cfg.Queue.RetryMaxDelay)
	if err != nil {
		return queue.Policy{}, err
	}
	return queue.Policy{RetryBase: base, RetryMaxDelay: maxDelay, MaxAttempts: cfg.Queue.MaxAttempts}.Normalize(), nil
}

func mapSQLQueueConfig(cfg *Config) (queue.SQLConfig, error) {
	pol, err := mapPolicy(cfg)
	if err != nil {
		return queue.SQLConfig{}, err
	}
	poll, err := parseDurationField("queue.poll_interval", cfg.Queue.PollInterval)
	if err != nil {
		return queue.SQLConfig{}, err
	}
	lease, err := parseDurationField("queue.lease_timeout", cfg.Queue.LeaseTimeout)
	if err != nil {
		return queue.SQLConfig{}, err
	}
	conc := map[model.Platform]int{}
	for name, p := range cfg.Platforms {
		if p.Concurrency > 0 {
			conc[model.ParsePlatform(name)] = p.Concurrency
		}
	}
	return queue.SQLConfig{
		PollInterval: poll,
		BatchSize:    cfg.Queue.BatchSize,
		LeaseTimeout: lease,
		Policy:       pol,
		Concurrency:  conc,
	}, nil
}

func mapRedisQueueConfig(cfg *Config) (redisq.Config, error) {
	pol, err := mapPolicy(cfg)
	if err != nil {
		return redisq.Config{}, err
	}
	rc := cfg.Queue.Redis
	return redisq.Config{
		Addr:        rc.Addr,
		Password:    rc.Password,
		DB:          rc.DB,
		Queue:       rc.Queue,
		Concurrency: rc.Concurrency,
		Policy:      pol,
		Retention:   24 * time.Hour,
	}, nil
}

func queueBackend(cfg *Config) string {
	b := strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	if b == "" {
		return "sql"
	}
	return b
}

func mapScannerConfig(cfg *Config) (scanner.Config, error) {
	sc := cfg.Scanner
	stall, err := parseDurationField("scanner.stall_after", sc.StallAfter)
	if err != nil {
		return scanner.Config{}, err
	}
	return scanner.Config{
		BatchSize:      sc.BatchSize,
		MaxBatches:     sc.MaxBatches,
		Parallelism:    sc.Parallelism,
		EnqueueRetries: sc.EnqueueRetries,
		StallAfter:     stall,
	}, nil
}

func scanSchedules(cfg *Config) (scan, rec, reap string) {
	scan = strings.TrimSpace(cfg.Scanner.Schedule)
	if scan == "" {
		scan = "@every 1m"
	}
	rec = strings.TrimSpace(cfg.Scanner.RecoverSchedule)
	if rec == "" {
		rec = "@every 5m"
	}
	reap = strings.TrimSpace(cfg.Queue.ReapSchedule)
	if reap == "" {
		reap = "@every 1m"
	}
	return scan, rec, reap
}

func mapPublishConfig(cfg *Config) (publish.Config, error) {
	d, err := parseDurationField("publish.timeout", cfg.Publish.Timeout)
	if err != nil {
		return publish.Config{}, err
	}
	return publish.Config{Timeout: d}, nil
}

func mapOpsConfig(cfg *Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = parseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func buildMedia(cfg *Config) (*media.Library, error) {
	mc := cfg.Media
	maxSize, err := config.ParseSizeOrDefault("media.max_size", mc.MaxSize, 50<<20)
	if err != nil {
		return nil, err
	}
	var src media.Source
	switch strings.ToLower(strings.TrimSpace(mc.Driver)) {
	case "", "local":
		root := strings.TrimSpace(mc.Root)
		if root == "" {
			root = "./media"
		}
		src = media.NewLocal(root)
	case "ftp":
		timeout, err := parseDurationField("media.ftp.timeout", mc.FTP.Timeout)
		if err != nil {
			return nil, err
		}
		src = &media.FTP{
			Addr:     mc.FTP.Addr,
			User:     mc.FTP.User,
			Password: mc.FTP.Password,
			Dir:      mc.FTP.Dir,
			Timeout:  timeout,
		}
	default:
		return nil, fmt.Errorf("unknown media.driver: %s", mc.Driver)
	}
	return media.NewLibrary(src, maxSize, mc.PublicBaseURL), nil
}

// buildRegistry registers every known adapter unless its platform is
// explicitly disabled. Unknown platform keys are an error.
func buildRegistry(cfg *Config) (*platform.Registry, error) {
	known := map[model.Platform]bool{
		model.Facebook: true, model.Instagram: true, model.Twitter: true,
		model.LinkedIn: true, model.Telegram: true,
	}
	byName := map[model.Platform]config.PlatformConfig{}
	for name, p := range cfg.Platforms {
		id := model.ParsePlatform(name)
		if !known[id] {
			return nil, fmt.Errorf("platforms.%s: unknown platform", name)
		}
		byName[id] = p
	}

	reg := platform.NewRegistry()
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, s := range ids {
		id := model.Platform(s)
		pc := byName[id]
		if !pc.IsEnabled() {
			continue
		}
		timeout, err := parseDurationField("platforms."+s+".timeout", pc.Timeout)
		if err != nil {
			return nil, err
		}
		ep := platform.EndpointConfig{
			BaseURL:    pc.BaseURL,
			Timeout:    timeout,
			RatePerSec: pc.RatePerSec,
			Burst:      pc.Burst,
		}
		switch id {
		case model.Facebook:
			reg.Register(facebook.New(ep))
		case model.Instagram:
			reg.Register(instagram.New(ep))
		case model.Twitter:
			reg.Register(twitter.New(ep, pc.UploadURL))
		case model.LinkedIn:
			reg.Register(linkedin.New(ep))
		case model.Telegram:
			reg.Register(telegram.New(telegram.Config{BaseURL: pc.BaseURL, Token: pc.Token, Timeout: timeout}))
		}
	}
	return reg, nil
}

// validate runs the static checks plus the ones that need runtime parsers.
func validate(cfg *Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	scan, rec, reap := scanSchedules(cfg)
	for _, s := range []struct{ path, raw string }{
		{"scanner.schedule", scan},
		{"scanner.recover_schedule", rec},
		{"queue.reap_schedule", reap},
	} {
		if _, err := scheduler.ParseSchedule(s.raw); err != nil {
			return fmt.Errorf("%s: %w", s.path, err)
		}
	}
	if _, err := buildRegistry(cfg); err != nil {
		return err
	}
	qc, err := mapSQLQueueConfig(cfg)
	if err != nil {
		return err
	}
	pc, err := mapPublishConfig(cfg)
	if err != nil {
		return err
	}
	lease, timeout := qc.LeaseTimeout, pc.Timeout
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if queueBackend(cfg) == "sql" && lease <= timeout {
		return fmt.Errorf("queue.lease_timeout (%s) must exceed publish.timeout (%s)", lease, timeout)
	}
	return nil
}
