// Package audit appends security decisions (handshakes, permission
// resolutions, startup outcomes) to ~/.clawremote/logs/audit.jsonl and,
// when a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawremote/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	// DecisionFatal is file-only; audit_log accepts allow and deny.
	DecisionFatal = "fatal"
)

// Actions recorded by the daemon.
const (
	ActionHandshake     = "auth.handshake"
	ActionTokenRenew    = "auth.renew"
	ActionPermission    = "permission.resolve"
	ActionShutdown      = "project.shutdown"
	ActionProjectCreate = "project.create"
	ActionStartup       = "runtime.startup"
)

// Entry is one audit record. Reason and Subject are redacted before any
// sink sees them.
type Entry struct {
	Time      time.Time `json:"timestamp"`
	Decision  string    `json:"decision"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	ProjectID string    `json:"project_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
}

type fileSink struct{ f *os.File }

func (s fileSink) write(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.f.Write(append(b, '\n'))
	return err
}

type dbSink struct{ db *sql.DB }

func (s dbSink) write(e Entry) error {
	if e.Decision != DecisionAllow && e.Decision != DecisionDeny {
		return nil
	}
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO audit_log (project_id, subject, action, decision, reason, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		e.ProjectID, e.Subject, e.Action, e.Decision, e.Reason, e.Time)
	return err
}

var (
	mu      sync.Mutex
	file    *fileSink
	mirror  *dbSink
	denies  atomic.Int64
	dropped atomic.Int64
)

// Init opens the audit file under homeDir/logs. Calling it again while open
// is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	file = &fileSink{f: f}
	return nil
}

// SetDB mirrors allow and deny entries into the audit_log table. Pass nil
// to detach.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	mirror = nil
	if d != nil {
		mirror = &dbSink{db: d}
	}
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	mirror = nil
	if file == nil {
		return nil
	}
	err := file.f.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 { return denies.Load() }

// Dropped counts entries a sink failed to write.
func Dropped() int64 { return dropped.Load() }

// Record appends one decision. subject is usually the client identity id.
func Record(decision, action, reason, projectID, subject string) {
	if decision == DecisionDeny {
		denies.Add(1)
	}
	e := Entry{
		Time:      time.Now().UTC(),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		ProjectID: projectID,
		Subject:   shared.Redact(subject),
	}

	mu.Lock()
	defer mu.Unlock()
	var errs []error
	if file != nil {
		errs = append(errs, file.write(e))
	}
	if mirror != nil {
		errs = append(errs, mirror.write(e))
	}
	if errors.Join(errs...) != nil {
		dropped.Add(1)
	}
}
