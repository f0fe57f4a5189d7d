package config

import (
	"context"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/odvcencio/agentcoreserver/internal/policy"
)

var placeholderSecrets = map[string]bool{
	"changeme":    true,
	"change-me":   true,
	"secret":      true,
	"password":    true,
	"test":        true,
	"testsecret":  true,
	"development": true,
	"insecure":    true,
}

// Enforced reports whether the production hardening gate applies, per
// §4.L: "enforced when ENFORCE_PRODUCTION_HARDENING is truthy or the
// deployment environment label is production."
func (c *Config) Enforced() bool {
	return c.Hardening.Enforce || strings.EqualFold(c.Server.Environment, "production")
}

// Gate evaluates every §4.L hardening check against cfg and rs (the active
// policy rule set, or nil if none was loaded). It returns the failing
// required checks and, separately, checks that only warrant a warning.
// Gate performs no I/O beyond resolving the signing secret through
// resolver, and never exits the process itself — the caller of
// RunHardeningGate does, through Exit.
func Gate(ctx context.Context, cfg *Config, resolver *Resolver, rs *policy.RuleSet) (failures, warnings []string) {
	if cfg.Worker.Runtime != "docker" {
		if !cfg.Hardening.AllowUnsafeLocal {
			failures = append(failures, "container runtime required (set worker.runtime=docker or allow_unsafe_local_workers)")
		}
	} else {
		d := cfg.Worker.Docker
		if !d.ReadOnly {
			failures = append(failures, "worker.docker.readonly must be true")
		}
		if !d.NoNewPrivileges {
			failures = append(failures, "worker.docker.no_new_privileges must be true")
		}
		if !d.CapDrop {
			failures = append(failures, "worker.docker.cap_drop must be true")
		}
		if d.SeccompProfile == "" {
			failures = append(failures, "worker.docker.seccomp_profile is required")
		}
		if d.ApparmorProfile == "" {
			warnings = append(warnings, "worker.docker.apparmor_profile is not set")
		}
		if d.PidsLimit <= 0 {
			failures = append(failures, "worker.docker.pids_limit must be > 0")
		}
		if d.StorageQuotaMB <= 0 {
			failures = append(failures, "worker.docker.storage_quota_mb must be > 0")
		}
	}

	if !cfg.Worker.DisableNetwork && cfg.Worker.EgressProxyURL == "" {
		failures = append(failures, "egress must be disabled or an egress proxy URL declared")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "trace":
		failures = append(failures, "log level must not be debug or trace in production")
	}

	secret, err := resolver.Resolve(ctx, cfg.Capability.SigningSecret)
	if err != nil {
		failures = append(failures, "permission signing secret: "+err.Error())
	} else if len(secret) < 32 {
		failures = append(failures, "permission signing secret must be at least 32 characters")
	} else if placeholderSecrets[strings.ToLower(secret)] {
		failures = append(failures, "permission signing secret looks like a placeholder value")
	}

	if cfg.Database.URL != "" && !cfg.Database.SSL && !isLocalDatabase(cfg.Database.URL) {
		failures = append(failures, "database.ssl must be true for a non-local database")
	}

	if rs == nil {
		failures = append(failures, "no policy rule set loaded")
	} else if rs.File.Default != policy.DecisionBlock || rs.Network.Default != policy.DecisionBlock || rs.Shell.Default != policy.DecisionBlock {
		failures = append(failures, "policy rule set default must be block")
	}

	return failures, warnings
}

// RunHardeningGate runs Gate when the gate is enforced, logging every
// warning, and — on any required failure — logging the full failure list
// and returning false; it does not exit the process itself, so the caller
// calls Exit before any listener is opened (§8 scenario 6).
// It is a no-op, returning true, when the gate isn't enforced.
func RunHardeningGate(ctx context.Context, cfg *Config, resolver *Resolver, rs *policy.RuleSet, logger *log.Logger) bool {
	if !cfg.Enforced() {
		return true
	}
	failures, warnings := Gate(ctx, cfg, resolver, rs)
	for _, w := range warnings {
		logger.Printf("hardening: warning: %s", w)
	}
	if len(failures) == 0 {
		return true
	}
	logger.Printf("hardening: startup aborted, %d failing check(s):", len(failures))
	for _, f := range failures {
		logger.Printf("hardening:   - %s", f)
	}
	return false
}

// Exit terminates the process with the §6.4 hardening-failure exit code.
// Split out from RunHardeningGate so tests can exercise the gate logic
// without the process actually exiting.
func Exit() {
	os.Exit(1)
}

func isLocalDatabase(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
