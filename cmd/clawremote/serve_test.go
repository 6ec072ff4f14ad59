package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/basket/clawremote/internal/agent/agenttest"
	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/config"
	"github.com/basket/clawremote/internal/credential"
	"github.com/basket/clawremote/internal/cron"
	"github.com/basket/clawremote/internal/persistence"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawremote.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRestoreProjects(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if err := store.UpsertProject(ctx, persistence.ProjectRecord{
		ID: "alpha", Path: "/src/alpha", AgentSessionID: "sess-a", Initialized: true,
	}); err != nil {
		t.Fatalf("upsert alpha: %v", err)
	}
	if err := store.SetProjectState(ctx, "alpha", "CONNECTED"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := store.SaveSnapshot(ctx, protocol.Snapshot{ProjectID: "alpha", LatestID: 7, TakenAt: time.Now()}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if err := store.UpsertProject(ctx, persistence.ProjectRecord{ID: "beta"}); err != nil {
		t.Fatalf("upsert beta: %v", err)
	}

	fake := &agenttest.Adapter{}
	mgr := session.New(session.Config{Adapter: fake, Logger: discardLogger()})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	n, err := restoreProjects(ctx, store, mgr, discardLogger())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d projects, want 2", n)
	}

	list := mgr.List(ctx)
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	alpha := list[0]
	if alpha.ID != "alpha" || alpha.State != "DISCONNECTED" || alpha.LatestID != 7 || !alpha.Initialized || alpha.AgentSessionID != "sess-a" {
		t.Fatalf("alpha = %+v", alpha)
	}
	if list[1].ID != "beta" || list[1].LatestID != 0 {
		t.Fatalf("beta = %+v", list[1])
	}

	// A second pass finds every project already active.
	n, err = restoreProjects(ctx, store, mgr, discardLogger())
	if err != nil || n != 0 {
		t.Fatalf("second restore = %d, %v", n, err)
	}
}

func TestHousekeepingJobs_Schedule(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	store := openStore(t)
	mgr := session.New(session.Config{Adapter: &agenttest.Adapter{}, Logger: discardLogger()})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	authn := auth.New(auth.Config{Keys: credential.NewAuthorizedKeys(), Logger: discardLogger()})

	jobs := housekeepingJobs(cfg, mgr, authn, store, discardLogger())
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(jobs))
	}
	sched, err := cron.NewScheduler(cron.Config{Jobs: jobs, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := sched.RunAll(context.Background()); err != nil {
		t.Fatalf("run all: %v", err)
	}
}

type keyRecorder struct{ keys []config.APIKeyEntry }

func (r *keyRecorder) SetAPIKeys(k []config.APIKeyEntry) { r.keys = k }

func TestHandleReload(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	keys, err := credential.LoadAuthorizedKeys(cfg.AuthorizedKeysFile)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	gw := &keyRecorder{}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	line := append(bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub)), " tablet\n"...)
	if err := os.WriteFile(cfg.AuthorizedKeysFile, line, 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	handleReload(cfg.AuthorizedKeysFile, cfg, keys, gw, discardLogger())
	if ids := keys.IDs(); len(ids) != 1 || ids[0] != "tablet" {
		t.Fatalf("ids after reload = %v", ids)
	}

	yaml := "gateway:\n  api_keys:\n    - name: ops\n      key: s3cret\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	handleReload(config.ConfigPath(home), cfg, keys, gw, discardLogger())
	if len(gw.keys) != 1 || gw.keys[0].Key != "s3cret" {
		t.Fatalf("api keys = %+v", gw.keys)
	}

	// A broken file leaves the previous keys in place.
	if err := os.WriteFile(config.ConfigPath(home), []byte("gateway: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	handleReload(config.ConfigPath(home), cfg, keys, gw, discardLogger())
	if len(gw.keys) != 1 {
		t.Fatalf("api keys replaced by invalid config: %+v", gw.keys)
	}
}
