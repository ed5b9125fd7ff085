// Package doctor runs local diagnostic checks for the coordinator
// installation: configuration, storage, review policy, and the running
// daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/ethics"
	"github.com/classmesh/classmesh/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkRoster,
		checkPermissions,
		checkDatabase,
		checkEthicsPolicy,
		checkDaemon,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "Configuration missing (needs genesis)",
			Detail:  "Start the daemon once to write a starter config.yaml",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkRoster(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Roster", Status: "SKIP", Message: "Config missing"}
	}
	if err := cfg.Roster.Validate(); err != nil {
		return CheckResult{Name: "Roster", Status: "FAIL", Message: fmt.Sprintf("Invalid roster: %v", err)}
	}
	return CheckResult{
		Name:    "Roster",
		Status:  "PASS",
		Message: fmt.Sprintf("%d agents configured", len(cfg.Roster.All())),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPathOrDefault())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	count, err := store.CountAudit(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d audit records stored", count),
	}
}

func checkEthicsPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Ethics Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.EthicsPolicyPathOrDefault()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Ethics Policy",
			Status:  "WARN",
			Message: "No policy file; built-in defaults apply",
			Detail:  path,
		}
	}
	p, err := ethics.Load(path)
	if err != nil {
		return CheckResult{Name: "Ethics Policy", Status: "FAIL", Message: fmt.Sprintf("Parse failed: %v", err)}
	}
	return CheckResult{
		Name:    "Ethics Policy",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded %s (%d deny terms)", p.Version(), len(p.DenyTerms)),
	}
}

// checkDaemon probes /healthz on the configured bind address. A daemon that
// is simply not running is a WARN, not a failure.
func checkDaemon(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Config missing"}
	}
	addr := cfg.BindAddr
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: fmt.Sprintf("Bad bind address: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Daemon",
			Status:  "WARN",
			Message: "Not reachable (not running?)",
			Detail:  addr,
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{
			Name:    "Daemon",
			Status:  "FAIL",
			Message: fmt.Sprintf("Unhealthy (/healthz returned %d)", resp.StatusCode),
		}
	}
	return CheckResult{Name: "Daemon", Status: "PASS", Message: fmt.Sprintf("Healthy at %s", addr)}
}
