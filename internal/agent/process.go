package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/clawremote/internal/protocol"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	// killWait bounds how long we wait for exit after SIGKILL.
	killWait = 5 * time.Second
	// maxLine is the longest stdout line we accept from an agent.
	maxLine = 4 << 20
)

type ProcessConfig struct {
	Command string
	Args    []string
	// SessionFlag introduces the session id on a project's first launch,
	// ResumeFlag on later ones. Either may be empty to omit it.
	SessionFlag     string
	ResumeFlag      string
	GitCommand      string
	ProjectsRoot    string
	Env             map[string]string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

type binding struct {
	path      string
	sessionID string
	launched  bool
}

type proc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	// wmu serializes stdin writes.
	wmu  sync.Mutex
	done chan struct{}
	err  error
}

func (p *proc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Process runs one agent subprocess per project, speaking line-delimited
// JSON on stdin/stdout.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	procs    map[string]*proc

	cbMu         sync.RWMutex
	onOutput     OutputFunc
	onPermission PermissionFunc
	onProgress   ProgressFunc
	onSession    SessionFunc
}

var _ Adapter = (*Process)(nil)

func NewProcess(cfg ProcessConfig) *Process {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.GitCommand == "" {
		cfg.GitCommand = "git"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		cfg:      cfg,
		logger:   logger,
		bindings: make(map[string]*binding),
		procs:    make(map[string]*proc),
	}
}

func (a *Process) OnAgentOutput(f OutputFunc) {
	a.cbMu.Lock()
	a.onOutput = f
	a.cbMu.Unlock()
}

func (a *Process) OnPermissionRequest(f PermissionFunc) {
	a.cbMu.Lock()
	a.onPermission = f
	a.cbMu.Unlock()
}

func (a *Process) OnProgressEvent(f ProgressFunc) {
	a.cbMu.Lock()
	a.onProgress = f
	a.cbMu.Unlock()
}

func (a *Process) OnSessionID(f SessionFunc) {
	a.cbMu.Lock()
	a.onSession = f
	a.cbMu.Unlock()
}

// Bind records the project's directory and agent session. A restored
// project has already been launched at least once, so it resumes.
func (a *Process) Bind(projectID, path, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings[projectID] = &binding{
		path:      a.resolvePath(path),
		sessionID: sessionID,
		launched:  sessionID != "",
	}
}

func (a *Process) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || a.cfg.ProjectsRoot == "" {
		return path
	}
	return filepath.Join(a.cfg.ProjectsRoot, path)
}

// SessionID returns the agent session id currently bound to projectID.
func (a *Process) SessionID(projectID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bindings[projectID]; ok {
		return b.sessionID
	}
	return ""
}

// Ping checks the agent binary resolves and the project's process is
// running, starting it if not.
func (a *Process) Ping(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(a.cfg.Command); err != nil {
		return fmt.Errorf("agent command %q: %w", a.cfg.Command, err)
	}
	_, err := a.ensure(projectID)
	return err
}

func (a *Process) SendCommand(ctx context.Context, projectID, text string) error {
	line, err := encodeCommand(text)
	if err != nil {
		return err
	}
	p, err := a.ensure(projectID)
	if err != nil {
		return err
	}
	return p.write(ctx, line)
}

func (a *Process) ResolvePermission(ctx context.Context, projectID, requestID string, d protocol.Decision) error {
	line, err := encodeDecision(requestID, d)
	if err != nil {
		return err
	}
	a.mu.Lock()
	p := a.procs[projectID]
	a.mu.Unlock()
	if p == nil || !p.alive() {
		return fmt.Errorf("resolve %s: %w", requestID, ErrNotRunning)
	}
	return p.write(ctx, line)
}

func (p *proc) write(ctx context.Context, line []byte) error {
	if !p.alive() {
		return ErrNotRunning
	}
	errCh := make(chan error, 1)
	go func() {
		p.wmu.Lock()
		defer p.wmu.Unlock()
		_, err := p.stdin.Write(line)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensure returns the running process for projectID, launching it if needed.
func (a *Process) ensure(projectID string) (*proc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p := a.procs[projectID]; p != nil && p.alive() {
		return p, nil
	}
	b, ok := a.bindings[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	if b.path != "" {
		if info, err := os.Stat(b.path); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("project directory %q unavailable", b.path)
		}
	}

	args := append([]string(nil), a.cfg.Args...)
	if b.sessionID != "" {
		flag := a.cfg.SessionFlag
		if b.launched {
			flag = a.cfg.ResumeFlag
		}
		if flag != "" {
			args = append(args, flag, b.sessionID)
		}
	}

	cmd := exec.Command(a.cfg.Command, args...)
	cmd.Dir = b.path
	cmd.Env = os.Environ()
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	b.launched = true

	p := &proc{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	a.procs[projectID] = p
	a.logger.Info("agent started", "project_id", projectID, "pid", cmd.Process.Pid, "dir", b.path)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readStdout(projectID, stdout)
	}()
	go func() {
		defer readers.Done()
		a.readStderr(projectID, stderr)
	}()
	go func() {
		readers.Wait()
		p.err = cmd.Wait()
		close(p.done)
		a.logger.Info("agent exited", "project_id", projectID, "error", p.err)
	}()
	return p, nil
}

func (a *Process) readStdout(projectID string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		pl := parseLine(sc.Bytes())
		a.cbMu.RLock()
		onOutput, onPermission, onProgress, onSession := a.onOutput, a.onPermission, a.onProgress, a.onSession
		a.cbMu.RUnlock()

		switch pl.kind {
		case linePermission:
			if onPermission != nil {
				onPermission(projectID, pl.permission)
			}
		case lineProgress:
			if onProgress != nil {
				onProgress(projectID, pl.progress)
			}
		case lineSession:
			a.mu.Lock()
			changed := false
			if b, ok := a.bindings[projectID]; ok && b.sessionID != pl.sessionID {
				b.sessionID = pl.sessionID
				changed = true
			}
			a.mu.Unlock()
			if changed && onSession != nil {
				onSession(projectID, pl.sessionID)
			}
		default:
			if onOutput != nil {
				onOutput(projectID, pl.output)
			}
		}
	}
	if err := sc.Err(); err != nil {
		a.logger.Warn("agent stdout read failed", "project_id", projectID, "error", err)
	}
}

func (a *Process) readStderr(projectID string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		a.cbMu.RLock()
		onOutput := a.onOutput
		a.cbMu.RUnlock()
		if onOutput != nil {
			onOutput(projectID, protocol.AgentOutput{Text: sc.Text(), Stream: "stderr"})
		}
	}
}

// Terminate sends SIGTERM to the agent's process group, escalating to
// SIGKILL after the shutdown timeout or when ctx ends.
func (a *Process) Terminate(ctx context.Context, projectID string) error {
	a.mu.Lock()
	p := a.procs[projectID]
	a.mu.Unlock()
	if p == nil || !p.alive() {
		return nil
	}

	_ = p.stdin.Close()
	if err := signalGroup(p.cmd, false); err != nil && p.alive() {
		a.logger.Warn("agent SIGTERM failed", "project_id", projectID, "error", err)
	}

	grace := time.NewTimer(a.cfg.ShutdownTimeout)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	a.logger.Warn("agent did not exit after SIGTERM, killing", "project_id", projectID)
	if err := signalGroup(p.cmd, true); err != nil && p.alive() {
		return fmt.Errorf("kill agent: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return errors.New("agent still running after SIGKILL")
	}
}

// Close terminates every running agent.
func (a *Process) Close(ctx context.Context) error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.procs))
	for id := range a.procs {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := a.Terminate(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Running reports whether projectID has a live agent process.
func (a *Process) Running(projectID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.procs[projectID]
	return p != nil && p.alive()
}
