package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/clawremote/internal/client"
	"github.com/basket/clawremote/internal/config"
	"github.com/basket/clawremote/internal/credential"
)

type probeResult struct {
	ProjectID      string    `json:"project_id"`
	URL            string    `json:"url"`
	State          string    `json:"state"`
	LatestID       uint64    `json:"latest_id"`
	Initialized    bool      `json:"initialized"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	Replaying      int       `json:"replaying"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

// runProbeCommand performs one full handshake as a client would and prints
// the resulting session state. It is the quickest way to check that a
// device key is authorized.
func runProbeCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	project := fs.String("project", "", "project id to attach to (required)")
	identity := fs.String("identity", "", "identity id, the comment of the key in authorized_keys (required)")
	keyPath := fs.String("key", defaultKeyPath(), "private key file")
	url := fs.String("url", "", "daemon websocket URL (default: derived from bind_addr)")
	lastSeen := fs.Uint64("last-seen", 0, "resume point; 0 starts fresh")
	timeout := fs.Duration("timeout", 10*time.Second, "handshake timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *project == "" || *identity == "" {
		fmt.Fprintln(os.Stderr, "usage: clawremote probe -project <id> -identity <id> [-key <path>] [-url <ws-url>]")
		return 2
	}

	target := *url
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		target = wsURL(cfg.BindAddr)
	}

	ring := credential.NewKeyring()
	if _, err := ring.LoadFile(*identity, *keyPath); err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}
	signer, err := ring.Signer(*identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}

	c, err := client.New(client.Config{
		URL:        target,
		ProjectID:  *project,
		IdentityID: *identity,
		Signer:     signer,
		LastSeenID: *lastSeen,
		Timeout:    *timeout,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 2
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}

	ready := c.Ready()
	_, expires := c.Token()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(probeResult{
		ProjectID:      *project,
		URL:            target,
		State:          ready.State,
		LatestID:       ready.LatestID,
		Initialized:    ready.Initialized,
		AgentSessionID: ready.AgentSessionID,
		Replaying:      ready.Replaying,
		TokenExpiresAt: expires,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}
	return 0
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "id_ed25519"
	}
	return filepath.Join(home, ".ssh", "id_ed25519")
}
