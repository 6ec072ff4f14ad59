package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawremote/internal/config"
	"github.com/basket/clawremote/internal/credential"
	"github.com/basket/clawremote/internal/persistence"
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
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
		checkAuthorizedKeys,
		checkDatabase,
		checkPermissions,
		checkAgent,
		checkBindAddr,
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
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

func checkAuthorizedKeys(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Authorized Keys", Status: "SKIP", Message: "Config missing"}
	}
	keys, err := credential.LoadAuthorizedKeys(cfg.AuthorizedKeysFile)
	if err != nil {
		return CheckResult{Name: "Authorized Keys", Status: "FAIL", Message: err.Error(), Detail: cfg.AuthorizedKeysFile}
	}
	ids := keys.IDs()
	if len(ids) == 0 {
		return CheckResult{
			Name:    "Authorized Keys",
			Status:  "WARN",
			Message: "No client keys authorized; every handshake will fail",
			Detail:  fmt.Sprintf("Add \"<key> <identity-id>\" lines to %s", cfg.AuthorizedKeysFile),
		}
	}
	return CheckResult{
		Name:    "Authorized Keys",
		Status:  "PASS",
		Message: fmt.Sprintf("%d identities", len(ids)),
		Detail:  strings.Join(ids, ", "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	projects, err := store.ListProjects(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema valid, %d projects", len(projects))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkAgent resolves the agent and git executables. A missing agent is
// fatal; git is only needed for repository clones.
func checkAgent(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent", Status: "SKIP", Message: "Config missing"}
	}
	var details []string
	status := "PASS"

	if path, err := exec.LookPath(cfg.Agent.Command); err != nil {
		details = append(details, fmt.Sprintf("%s: missing", cfg.Agent.Command))
		status = "FAIL"
	} else {
		details = append(details, fmt.Sprintf("%s: %s", cfg.Agent.Command, path))
	}
	if _, err := exec.LookPath(cfg.Agent.GitCommand); err != nil {
		details = append(details, fmt.Sprintf("%s: missing (required for repository clones)", cfg.Agent.GitCommand))
		if status == "PASS" {
			status = "WARN"
		}
	} else {
		details = append(details, cfg.Agent.GitCommand+": ok")
	}
	if root := cfg.Agent.ProjectsRoot; root != "" {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			details = append(details, fmt.Sprintf("projects_root %s: not a directory", root))
			if status == "PASS" {
				status = "WARN"
			}
		}
	}

	return CheckResult{
		Name:    "Agent",
		Status:  status,
		Message: fmt.Sprintf("Checked %d items", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

// checkBindAddr reports whether the listen address is free. An address in
// use usually means a daemon is already running.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  "WARN",
			Message: fmt.Sprintf("%s unavailable", cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is clawremote already running? try `clawremote status`)", err),
		}
	}
	_ = ln.Close()

	status, msg := "PASS", fmt.Sprintf("%s is free", cfg.BindAddr)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			status = "WARN"
			msg += "; non-loopback bind without allow_origins"
		}
	}
	return CheckResult{Name: "Listener", Status: status, Message: msg}
}
