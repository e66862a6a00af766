package config

// DefaultApplier applies defaults for one configuration domain. Several
// small domain appliers composed under CompositeDefaultApplier keep each
// domain's defaulting logic readable in isolation.
type DefaultApplier interface {
	Domain() string
	ApplyDefaults(cfg *Config) error
}

// CompositeDefaultApplier runs every domain applier in order.
type CompositeDefaultApplier struct {
	appliers []DefaultApplier
}

// NewDefaultApplier builds the composite applier with every domain.
func NewDefaultApplier() *CompositeDefaultApplier {
	return &CompositeDefaultApplier{
		appliers: []DefaultApplier{
			&SchedulerDefaultApplier{},
			&RecoveryDefaultApplier{},
			&MergeDefaultApplier{},
			&PathsDefaultApplier{},
			&MetricsDefaultApplier{},
			&RepositoryDefaultApplier{},
		},
	}
}

// ApplyDefaults runs every domain applier, wrapping its error with the
// domain name that produced it.
func (c *CompositeDefaultApplier) ApplyDefaults(cfg *Config) error {
	for _, applier := range c.appliers {
		if err := applier.ApplyDefaults(cfg); err != nil {
			return &DomainError{Domain: applier.Domain(), Err: err}
		}
	}
	return nil
}

// GetApplierByDomain returns a specific domain applier, mainly for tests.
func (c *CompositeDefaultApplier) GetApplierByDomain(domain string) DefaultApplier {
	for _, applier := range c.appliers {
		if applier.Domain() == domain {
			return applier
		}
	}
	return nil
}

// SchedulerDefaultApplier fills in the global/per-repo capacity.
type SchedulerDefaultApplier struct{}

func (s *SchedulerDefaultApplier) Domain() string { return "scheduler" }

func (s *SchedulerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Scheduler.GlobalCapacity == 0 {
		cfg.Scheduler.GlobalCapacity = 8
	}
	if cfg.Scheduler.DefaultRepoCapacity == 0 {
		cfg.Scheduler.DefaultRepoCapacity = 2
	}
	return nil
}

// RecoveryDefaultApplier fills in the watchdog/stall thresholds.
type RecoveryDefaultApplier struct{}

func (r *RecoveryDefaultApplier) Domain() string { return "recovery" }

func (r *RecoveryDefaultApplier) ApplyDefaults(cfg *Config) error {
	if len(cfg.Recovery.WatchdogThresholdsMs) == 0 {
		cfg.Recovery.WatchdogThresholdsMs = []int64{60_000, 180_000, 300_000}
	}
	if cfg.Recovery.StallIdleMs == 0 {
		cfg.Recovery.StallIdleMs = 120_000
	}
	if cfg.Recovery.MaxWatchdogRetries == 0 {
		cfg.Recovery.MaxWatchdogRetries = 1
	}
	if cfg.Recovery.MaxStallRestarts == 0 {
		cfg.Recovery.MaxStallRestarts = 2
	}
	return nil
}

// MergeDefaultApplier fills in the merge method and remediation caps.
type MergeDefaultApplier struct{}

func (m *MergeDefaultApplier) Domain() string { return "merge" }

func (m *MergeDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Merge.DefaultMethod == "" {
		cfg.Merge.DefaultMethod = "squash"
	}
	if cfg.Merge.CIRemediationMaxAttempts == 0 {
		cfg.Merge.CIRemediationMaxAttempts = 3
	}
	if cfg.Merge.MergeConflictMaxAttempts == 0 {
		cfg.Merge.MergeConflictMaxAttempts = 1
	}
	return nil
}

// PathsDefaultApplier fills in the directories ralphd writes to.
type PathsDefaultApplier struct{}

func (p *PathsDefaultApplier) Domain() string { return "paths" }

func (p *PathsDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Paths.WorktreeRoot == "" {
		cfg.Paths.WorktreeRoot = "/var/lib/ralphd/worktrees"
	}
	if cfg.Paths.RunLogDir == "" {
		cfg.Paths.RunLogDir = "/var/lib/ralphd/logs"
	}
	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = "/var/lib/ralphd/state"
	}
	return nil
}

// MetricsDefaultApplier fills in the Prometheus exporter address.
type MetricsDefaultApplier struct{}

func (m *MetricsDefaultApplier) Domain() string { return "metrics" }

func (m *MetricsDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	return nil
}

// RepositoryDefaultApplier fills in per-repo branch names and capacity
// from the scheduler's default when a repo doesn't override them.
type RepositoryDefaultApplier struct{}

func (r *RepositoryDefaultApplier) Domain() string { return "repos" }

func (r *RepositoryDefaultApplier) ApplyDefaults(cfg *Config) error {
	for i := range cfg.Repos {
		repo := &cfg.Repos[i]
		if repo.BaseBranch == "" {
			repo.BaseBranch = "main"
		}
		if repo.DefaultBranch == "" {
			repo.DefaultBranch = repo.BaseBranch
		}
		if repo.BotBranch == "" {
			repo.BotBranch = "ralph-bot"
		}
		if repo.Capacity == 0 {
			repo.Capacity = cfg.Scheduler.DefaultRepoCapacity
		}
	}
	return nil
}
