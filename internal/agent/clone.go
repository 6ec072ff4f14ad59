package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/shared"
)

// ErrInvalidPath rejects empty project paths.
var ErrInvalidPath = errors.New("agent: project path required")

// clonePhase matches git's "--progress" lines, e.g.
// "Receiving objects:  45% (450/1000), 1.2 MiB | 2.0 MiB/s".
var clonePhase = regexp.MustCompile(`^(Counting|Compressing|Receiving|Resolving|Updating)[^:]*:\s+(\d{1,3})%`)

// phaseWeights spread git's per-phase percentages over one 0-100 scale.
var phaseWeights = map[string][2]float64{
	"Counting":    {0, 5},
	"Compressing": {5, 10},
	"Receiving":   {10, 80},
	"Resolving":   {80, 95},
	"Updating":    {95, 99},
}

// InitProject creates the project directory, cloning repositoryURL into it
// when given, binds a fresh agent session id and returns it. progress sees
// "cloning" at 0 and "done" at 100 with monotone values in between.
func (a *Process) InitProject(ctx context.Context, projectID string, req protocol.ProjectInit, progress func(protocol.CloneProgress)) (string, error) {
	if progress == nil {
		progress = func(protocol.CloneProgress) {}
	}
	path := a.resolvePath(strings.TrimSpace(req.ProjectPath))
	if path == "" {
		return "", ErrInvalidPath
	}

	if req.RepositoryURL == "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create project directory: %w", err)
		}
		progress(protocol.CloneProgress{Percentage: 100, Status: "done"})
	} else if isGitCheckout(path) {
		progress(protocol.CloneProgress{Percentage: 100, Status: "done"})
	} else {
		progress(protocol.CloneProgress{Percentage: 0, Status: "cloning"})
		if err := a.clone(ctx, req, path, progress); err != nil {
			progress(protocol.CloneProgress{Percentage: 0, Status: "failed", Error: err.Error()})
			return "", err
		}
		progress(protocol.CloneProgress{Percentage: 100, Status: "done"})
	}

	sessionID := uuid.NewString()
	a.mu.Lock()
	a.bindings[projectID] = &binding{path: path, sessionID: sessionID}
	a.mu.Unlock()
	return sessionID, nil
}

func isGitCheckout(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

func (a *Process) clone(ctx context.Context, req protocol.ProjectInit, path string, progress func(protocol.CloneProgress)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	cloneURL, err := withAccessToken(req.RepositoryURL, req.AccessToken)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, a.cfg.GitCommand, "clone", "--progress", cloneURL, path)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("git stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start git clone: %w", err)
	}

	var tail bytes.Buffer
	last := 0.0
	scanProgress(stderr, func(line string) {
		tail.WriteString(line)
		tail.WriteByte('\n')
		if pct, status, ok := parseCloneLine(line); ok && pct > last && pct < 100 {
			last = pct
			progress(protocol.CloneProgress{Percentage: pct, Status: status})
		}
	})

	if err := cmd.Wait(); err != nil {
		detail := lastLines(tail.String(), 3)
		// git may echo the URL back, token included.
		if req.AccessToken != "" {
			detail = strings.ReplaceAll(detail, req.AccessToken, "[REDACTED]")
		}
		return fmt.Errorf("git clone failed: %s", shared.Redact(detail))
	}
	return nil
}

// scanProgress splits on both \r and \n, since git redraws progress lines
// with carriage returns.
func scanProgress(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			fn(line)
		}
	}
}

// parseCloneLine maps one git progress line to an overall percentage.
func parseCloneLine(line string) (float64, string, bool) {
	line = strings.TrimPrefix(line, "remote: ")
	m := clonePhase.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n > 100 {
		return 0, "", false
	}
	w := phaseWeights[m[1]]
	pct := w[0] + (w[1]-w[0])*float64(n)/100
	status := strings.ToLower(m[1])
	return float64(int(pct*10)) / 10, status, true
}

// withAccessToken embeds token as basic-auth credentials in http(s) URLs.
// Other schemes are returned unchanged.
func withAccessToken(raw, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse repository url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return raw, nil
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}
