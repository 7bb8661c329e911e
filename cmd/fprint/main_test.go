package main

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"fprintd/internal/fplib"
)

func skipWithoutUser(t *testing.T) {
	t.Helper()
	if me, err := user.Current(); err != nil || me.Username == "" {
		t.Skipf("current user unknown: %v", err)
	}
}

func TestDevicesCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"devices"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	requireContains(t, out, "fake-0")
	requireContains(t, out, "enroll, verify, identify")
}

func TestEnrollListVerifyDelete(t *testing.T) {
	env := setupCLITestEnv(t)
	skipWithoutUser(t)
	dev := env.lib.Device("fake-0")

	type result struct {
		out string
		err error
	}
	run := func(args ...string) result {
		out, _, err := runCLI(t, args, env.socketPath, env.configPath)
		return result{out: out, err: err}
	}

	starts := len(dev.Starts())
	enrolled := make(chan result, 1)
	go func() { enrolled <- run("enroll", "--finger", "left-index") }()
	waitFor(t, 5*time.Second, func() bool { return len(dev.Starts()) > starts })
	dev.Emit(fplib.Result{Code: fplib.ResultEnrollStagePassed, Stage: 1})
	dev.Emit(fplib.Result{Code: fplib.ResultEnrollComplete, Stage: 2, Template: []byte("left")})
	res := <-enrolled
	if res.err != nil {
		t.Fatalf("enroll: %v\n%s", res.err, res.out)
	}
	requireContains(t, res.out, "Enrolling Left Index Finger.")
	requireContains(t, res.out, "enroll-stage-passed (1/2)")
	requireContains(t, res.out, "enroll-completed")

	listed := run("list")
	if listed.err != nil {
		t.Fatalf("list: %v", listed.err)
	}
	requireContains(t, listed.out, "#0: Left Index Finger")

	starts = len(dev.Starts())
	verified := make(chan result, 1)
	go func() { verified <- run("verify", "--finger", "left-index") }()
	waitFor(t, 5*time.Second, func() bool { return len(dev.Starts()) > starts })
	dev.Emit(fplib.Result{Code: fplib.ResultNoMatch})
	res = <-verified
	if !errors.Is(res.err, errOperationFailed) {
		t.Fatalf("verify err = %v", res.err)
	}
	requireContains(t, res.out, "verify-no-match")

	deleted := run("delete", currentUsername(t))
	if deleted.err != nil {
		t.Fatalf("delete: %v", deleted.err)
	}
	requireContains(t, deleted.out, "Deleted Left Index Finger")

	listed = run("list")
	requireContains(t, listed.out, "has no fingers enrolled")
}

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Running (pid")
	requireContains(t, out, "Storage:")
	requireContains(t, out, "fake-0")
}

func TestStatusCommandOffline(t *testing.T) {
	env := setupCLITestEnv(t)
	env.server.Close()
	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Not running")
}

func TestStopCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	go func() {
		<-env.daemon.Done()
		env.daemon.Stop()
		env.server.Close()
	}()
	out, _, err := runCLI(t, []string{"stop"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon stopped")
	select {
	case <-env.daemon.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not receive shutdown")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}
}

func currentUsername(t *testing.T) string {
	t.Helper()
	me, err := user.Current()
	if err != nil {
		t.Skipf("current user unknown: %v", err)
	}
	return me.Username
}
