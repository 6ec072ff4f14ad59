package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/clawremote/internal/config"
)

type healthReport struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	Projects          int    `json:"projects"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ConfigFingerprint string `json:"config_fingerprint"`
}

// daemonURL turns bind_addr into the daemon's base http URL. A wildcard
// host is reached on loopback.
func daemonURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func healthURL(bindAddr string) string {
	return daemonURL(bindAddr) + "/healthz"
}

// wsURL is the client endpoint for bind_addr.
func wsURL(bindAddr string) string {
	return "ws" + strings.TrimPrefix(daemonURL(bindAddr), "http") + "/ws"
}

func runStatusCommand(ctx context.Context, args []string) int {
	return statusTo(ctx, args, os.Stdout)
}

func statusTo(ctx context.Context, args []string, out io.Writer) int {
	raw := false
	switch {
	case len(args) == 0:
	case len(args) == 1 && (args[0] == "-json" || args[0] == "--json"):
		raw = true
	default:
		fmt.Fprintln(os.Stderr, "usage: clawremote status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var report healthReport
	if raw || json.Unmarshal(body, &report) != nil {
		_, _ = out.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = out.Write([]byte("\n"))
		}
	} else {
		state := "healthy"
		if !report.Healthy {
			state = "unhealthy"
		}
		fmt.Fprintf(out, "daemon:   %s (up %s)\n", state, time.Duration(report.UptimeSeconds)*time.Second)
		fmt.Fprintf(out, "database: %s\n", okText(report.DBOK))
		fmt.Fprintf(out, "projects: %d\n", report.Projects)
		fmt.Fprintf(out, "config:   %s\n", report.ConfigFingerprint)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}
