package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawremote/internal/doctor"
)

func writeDoctorConfig(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CLAWREMOTE_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: \"127.0.0.1:0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	writeDoctorConfig(t)
	for _, flag := range []string{"-json", "--json"} {
		if code := runDoctorCommand(context.Background(), []string{flag}); code != 0 {
			t.Fatalf("%s: got exit code %d, want 0", flag, code)
		}
	}
}

func TestRunDoctorCommand_UnknownFlag(t *testing.T) {
	writeDoctorConfig(t)
	if code := runDoctorCommand(context.Background(), []string{"-verbose"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	writeDoctorConfig(t)
	// The agent binary may be missing on the test host, so 0 and 1 are both fine.
	if code := runDoctorCommand(context.Background(), nil); code != 0 && code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
}

func TestPrintDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		System:    doctor.SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24", Version: "v0.1-dev"},
		Results: []doctor.CheckResult{
			{Name: "Config", Status: "PASS", Message: "loaded"},
			{Name: "Agent", Status: "FAIL", Message: "claude not found", Detail: "install it"},
		},
	}

	var plain bytes.Buffer
	printDiagnosis(&plain, diag, false)
	out := plain.String()
	for _, want := range []string{"[PASS] Config", "[FAIL] Agent", "    install it", "linux/amd64"} {
		if !strings.Contains(out, want) {
			t.Fatalf("plain output missing %q:\n%s", want, out)
		}
	}

	var fancy bytes.Buffer
	printDiagnosis(&fancy, diag, true)
	if !strings.Contains(fancy.String(), "❌") || strings.Contains(fancy.String(), "[FAIL]") {
		t.Fatalf("terminal output = %q", fancy.String())
	}
}
