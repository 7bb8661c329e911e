package daemonrun_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fprintd/internal/daemon"
	"fprintd/internal/daemonrun"
	"fprintd/internal/ipc"
	"fprintd/internal/testsupport"
)

func TestRunServesVirtualReaderUntilCancelled(t *testing.T) {
	if me, err := user.Current(); err != nil || me.Username == "" {
		t.Skipf("current user unknown: %v", err)
	}
	cfg := testsupport.NewConfig(t, testsupport.WithVirtualDevice("virtual-0", 2))
	cfg.Logging.Format = "json"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Run(ctx, cfg, daemonrun.Options{LogLevel: "error", NoTimeout: true})
	}()

	var client *ipc.Client
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		client, err = ipc.Dial(cfg.SocketPath())
		if err == nil {
			break
		}
		select {
		case runErr := <-errCh:
			if runErr != nil && strings.Contains(runErr.Error(), "operation not permitted") {
				t.Skipf("skipping daemon run test: %v", runErr)
			}
			t.Fatalf("Run exited early: %v", runErr)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon socket never appeared: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer client.Close()

	if _, err := os.Stat(cfg.PIDPath()); err != nil {
		t.Fatalf("pid file missing: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Paths.LogDir, "fprintd.log")); err != nil {
		t.Fatalf("log pointer missing: %v", err)
	}

	claim, err := client.Claim("virtual-0", "")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	started, err := client.EnrollStart(claim.Session, "left-thumb")
	if err != nil {
		t.Fatalf("EnrollStart: %v", err)
	}

	conn, err := net.Dial("unix", cfg.VirtualDevices[0].Socket)
	if err != nil {
		t.Fatalf("dial virtual reader: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)
	scan := func() {
		t.Helper()
		if _, err := conn.Write([]byte("SCAN alice-thumb\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		reply, err := reader.ReadString('\n')
		if err != nil || !strings.HasPrefix(reply, "OK") {
			t.Fatalf("reply = %q, %v", reply, err)
		}
	}

	since := started.Since
	var names []string
	for len(names) == 0 || !strings.HasSuffix(names[len(names)-1], "completed") {
		scan()
		resp, err := client.WaitStatus(claim.Session, since, 2*time.Second)
		if err != nil {
			t.Fatalf("WaitStatus: %v", err)
		}
		for _, st := range resp.Statuses {
			names = append(names, st.Name())
		}
		since = resp.Next
		if len(names) > 4 {
			t.Fatalf("too many statuses: %v", names)
		}
	}
	if len(names) != 2 || names[0] != "enroll-stage-passed" {
		t.Fatalf("statuses = %v", names)
	}
	if err := client.EnrollStop(claim.Session); err != nil {
		t.Fatalf("EnrollStop: %v", err)
	}
	listed, err := client.ListEnrolledFingers("")
	if err != nil || len(listed.Fingers) != 1 || listed.Fingers[0] != "left-thumb" {
		t.Fatalf("listed = %+v, %v", listed, err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestRunRefusesSecondInstanceBeforeOpeningStorage(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStorage("sqlite", "abort"))
	held, err := daemon.AcquireLock(cfg.LockPath())
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer held.Release() //nolint:errcheck

	err = daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: "error", NoTimeout: true})
	if !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("Run error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.StateDir, "templates.db")); !os.IsNotExist(err) {
		t.Fatalf("second instance touched the database: stat err=%v", err)
	}
	logs, _ := filepath.Glob(filepath.Join(cfg.Paths.LogDir, "fprintd-*.log"))
	if len(logs) != 0 {
		t.Fatalf("second instance created run logs: %v", logs)
	}
	if _, err := os.Stat(cfg.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("second instance created the socket: stat err=%v", err)
	}
}
