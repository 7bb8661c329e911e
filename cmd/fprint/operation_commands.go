package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fprintd/internal/fplib"
	"fprintd/internal/ipc"
	"fprintd/internal/session"
)

const defaultEnrollFinger = "right-index-finger"

type operationFlags struct {
	device   string
	username string
	finger   string
	timeout  time.Duration
}

func newOperationCommands(ctx *commandContext) []*cobra.Command {
	enroll := newOperationCommand(ctx, fplib.KindEnroll, "enroll [user]", "Enroll a finger", defaultEnrollFinger)
	verify := newOperationCommand(ctx, fplib.KindVerify, "verify [user]", "Verify a finger against its stored template", defaultEnrollFinger)
	identify := newOperationCommand(ctx, fplib.KindIdentify, "identify [user]", "Identify which enrolled finger is presented", "")
	return []*cobra.Command{enroll, verify, identify}
}

func newOperationCommand(ctx *commandContext, kind fplib.Kind, use, short, defaultFinger string) *cobra.Command {
	flags := &operationFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.username = strings.TrimSpace(args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				return runOperation(cmd.OutOrStdout(), client, kind, flags)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.device, "device", "d", "", "Reader to claim (default: first available)")
	if kind != fplib.KindIdentify {
		cmd.Flags().StringVarP(&flags.finger, "finger", "f", defaultFinger, "Finger to use")
	}
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 2*time.Minute, "Give up when no result arrives in time")
	return cmd
}

// errOperationFailed marks a terminal status other than success.
var errOperationFailed = errors.New("operation did not succeed")

func runOperation(out io.Writer, client *ipc.Client, kind fplib.Kind, flags *operationFlags) error {
	colorize := shouldColorize(out)

	claim, err := client.Claim(flags.device, flags.username)
	if err != nil {
		return err
	}
	defer client.Release(claim.Session) //nolint:errcheck

	fmt.Fprintf(out, "Using device %s as %s\n", claim.Device.Name, claim.Owner)
	if kind == fplib.KindEnroll {
		fmt.Fprintf(out, "Enrolling %s.\n", fingerDisplayName(flags.finger))
	}

	var started *ipc.StartResponse
	switch kind {
	case fplib.KindEnroll:
		started, err = client.EnrollStart(claim.Session, flags.finger)
	case fplib.KindVerify:
		started, err = client.VerifyStart(claim.Session, flags.finger)
	default:
		started, err = client.IdentifyStart(claim.Session)
	}
	if err != nil {
		return err
	}

	final, err := followStatus(out, client, claim.Session, started.Since, flags.timeout, colorize)
	stopErr := stopOperation(client, kind, claim.Session)
	if err != nil {
		return err
	}
	if stopErr != nil {
		return stopErr
	}
	if final.Code != session.CodeSuccess {
		return fmt.Errorf("%s: %w", final.Name(), errOperationFailed)
	}
	return nil
}

func stopOperation(client *ipc.Client, kind fplib.Kind, sessionID string) error {
	switch kind {
	case fplib.KindEnroll:
		return client.EnrollStop(sessionID)
	case fplib.KindVerify:
		return client.VerifyStop(sessionID)
	default:
		return client.IdentifyStop(sessionID)
	}
}

// followStatus prints statuses until a terminal one arrives.
func followStatus(out io.Writer, client *ipc.Client, sessionID string, since uint64, timeout time.Duration, colorize bool) (ipc.StatusEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ipc.StatusEvent{}, fmt.Errorf("no result within %s", timeout)
		}
		if remaining > 30*time.Second {
			remaining = 30 * time.Second
		}
		resp, err := client.WaitStatus(sessionID, since, remaining)
		if err != nil {
			return ipc.StatusEvent{}, err
		}
		since = resp.Next
		for _, st := range resp.Statuses {
			kind, text := describeStatus(st)
			fmt.Fprintln(out, paint(text, kind, colorize))
			if st.Done {
				return st, nil
			}
		}
	}
}

func describeStatus(st ipc.StatusEvent) (statusKind, string) {
	name := st.Name()
	switch st.Code {
	case session.CodeStagePassed:
		if st.Stages > 0 {
			return statusInfo, fmt.Sprintf("Enroll result: %s (%d/%d)", name, st.Stage, st.Stages)
		}
		return statusInfo, "Enroll result: " + name
	case session.CodeRetryScan:
		return statusWarn, fmt.Sprintf("%s result: %s", operationLabel(st.Operation), name)
	case session.CodeSuccess:
		if st.Finger != "" && st.Operation == fplib.KindIdentify.String() {
			return statusOK, fmt.Sprintf("Identify result: %s (%s)", name, fingerDisplayName(st.Finger))
		}
		return statusOK, fmt.Sprintf("%s result: %s", operationLabel(st.Operation), name)
	default:
		return statusError, fmt.Sprintf("%s result: %s", operationLabel(st.Operation), name)
	}
}

func operationLabel(op string) string {
	if op == "" {
		return "Operation"
	}
	return strings.ToUpper(op[:1]) + op[1:]
}
