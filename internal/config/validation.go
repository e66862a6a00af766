package config

import "fmt"

// Validate checks a defaulted Config for the constraints that would
// otherwise surface as confusing runtime failures deep in the scheduler
// or merge gate.
func Validate(cfg *Config) error {
	if len(cfg.Repos) == 0 {
		return fmt.Errorf("repos: at least one repository must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Repos))
	for _, repo := range cfg.Repos {
		if repo.Name == "" {
			return fmt.Errorf("repos: entry missing name")
		}
		if _, dup := seen[repo.Name]; dup {
			return fmt.Errorf("repos: duplicate entry %q", repo.Name)
		}
		seen[repo.Name] = struct{}{}
		if repo.Capacity < 0 {
			return fmt.Errorf("repos[%s]: capacity must be >= 0", repo.Name)
		}
	}

	if cfg.Scheduler.GlobalCapacity <= 0 {
		return fmt.Errorf("scheduler: global_capacity must be > 0")
	}
	if cfg.Scheduler.DefaultRepoCapacity <= 0 {
		return fmt.Errorf("scheduler: default_repo_capacity must be > 0")
	}

	if cfg.Recovery.MaxWatchdogRetries < 0 {
		return fmt.Errorf("recovery: max_watchdog_retries must be >= 0")
	}
	if cfg.Recovery.MaxStallRestarts < 0 {
		return fmt.Errorf("recovery: max_stall_restarts must be >= 0")
	}

	switch cfg.Merge.DefaultMethod {
	case "squash", "merge", "rebase":
	default:
		return fmt.Errorf("merge: default_method must be one of squash, merge, rebase (got %q)", cfg.Merge.DefaultMethod)
	}

	if !cfg.Auth.IsZero() && cfg.Auth.Type != AuthTypeToken {
		return fmt.Errorf("auth: unsupported type %q", cfg.Auth.Type)
	}

	return nil
}
