package collector

import (
	"context"
	"os/exec"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInvocationArgv(t *testing.T) {
	inv := Invocation{
		ConfigPath: "/data/ab/cdef/setup.cfg",
		Backends:   []string{"git", "github:issue", "github:pull"},
		Switches:   Switches{Raw: true},
	}
	want := []string{"--config", "/data/ab/cdef/setup.cfg", "--backends", "git,github:issue,github:pull", "--raw"}
	if got := inv.Argv(); !reflect.DeepEqual(got, want) {
		t.Errorf("Argv() = %v, want %v", got, want)
	}

	inv.Switches = Switches{IdentitiesLoad: true, IdentitiesMerge: true}
	got := inv.Argv()
	if got[len(got)-2] != "--identities-load" || got[len(got)-1] != "--identities-merge" {
		t.Errorf("identity switches = %v", got)
	}
}

func TestCommandRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	inv := Invocation{ConfigPath: "setup.cfg", Backends: []string{"git"}, Switches: Switches{Enrich: true}}

	ok := &Command{Path: "sh", Args: []string{"-c", "exit 0"}, Logger: zap.NewNop()}
	if err := ok.Run(context.Background(), inv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	failing := &Command{Path: "sh", Args: []string{"-c", "echo rate limited >&2; exit 3"}, Logger: zap.NewNop()}
	err := failing.Run(context.Background(), inv)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("Run error = %v, want stderr in message", err)
	}

	if err := ok.Run(context.Background(), Invocation{}); err == nil {
		t.Error("expected error for missing config path")
	}
}
