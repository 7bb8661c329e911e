package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fprintd/internal/daemonctl"
	"fprintd/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startNoTimeout bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the fprintd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonctl.LaunchOptions{ConfigPath: ctx.configPath(), NoTimeout: startNoTimeout},
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			}
			return nil
		},
	}
	startCmd.Flags().BoolVarP(&startNoTimeout, "no-timeout", "t", false, "Keep the daemon running while no sessions exist")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the fprintd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := daemonctl.StopAndTerminate(cfg, 5*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Killed daemon process (pid %d)\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and reader status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var statusResp *ipc.StatusResponse
			if socket := ctx.socketPath(); socket != cfg.SocketPath() {
				statusResp, err = statusFromSocket(socket)
			} else {
				statusResp, err = daemonctl.StatusSnapshot(cfg)
			}
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			for _, line := range renderStatus(statusResp, shouldColorize(stdout)) {
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func statusFromSocket(socket string) (*ipc.StatusResponse, error) {
	client, err := ipc.Dial(socket)
	if err != nil {
		return nil, wrapDialError(err, socket)
	}
	defer client.Close()
	return client.Status()
}

func renderStatus(status *ipc.StatusResponse, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	if !status.Running {
		lines = append(lines, renderStatusLine("fprintd", statusWarn, "Not running (run `fprint start`)", colorize))
	} else {
		lines = append(lines, renderStatusLine("fprintd", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	}
	lines = append(lines, renderStatusLine("Storage", statusInfo, status.Backend, colorize))
	idle := "Disabled"
	if status.IdleTimeoutSeconds > 0 {
		idle = (time.Duration(status.IdleTimeoutSeconds) * time.Second).String()
	}
	lines = append(lines, renderStatusLine("Idle timeout", statusInfo, idle, colorize))
	hotplugKind := statusInfo
	if status.Running && !status.Hotplug {
		hotplugKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Hotplug", hotplugKind, yesNo(status.Hotplug), colorize))
	if status.Running {
		lines = append(lines, renderStatusLine("Sessions", statusInfo, strconv.Itoa(status.Sessions), colorize))
	}
	if !status.Running || len(status.Devices) == 0 {
		return lines
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Readers", colorize)...)
	table := renderReaderTable(status.Devices)
	lines = append(lines, strings.Split(table, "\n")...)
	return lines
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}
