package virtual

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

const maxLineLength = 512

type client struct {
	fd  int
	in  []byte
	out []byte
}

func (d *device) listen() error {
	if err := os.Remove(d.cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", d.cfg.Socket, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: d.cfg.Socket}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind %s: %w", d.cfg.Socket, err)
	}
	if err := unix.Listen(fd, 4); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(d.cfg.Socket)
		return fmt.Errorf("listen %s: %w", d.cfg.Socket, err)
	}
	if err := os.Chmod(d.cfg.Socket, 0o600); err != nil {
		d.logger.Debug("socket permissions unchanged", logging.Error(err))
	}
	d.listener = fd
	return nil
}

func (d *device) closeSockets() {
	for fd := range d.clients {
		_ = unix.Close(fd)
	}
	d.clients = make(map[int]*client)
	if d.listener >= 0 {
		_ = unix.Close(d.listener)
		d.listener = -1
		_ = os.Remove(d.cfg.Socket)
	}
}

func (d *device) pollFDs() []fplib.PollFD {
	if !d.open {
		return nil
	}
	fds := make([]fplib.PollFD, 0, len(d.clients)+1)
	fds = append(fds, fplib.PollFD{FD: d.listener, Events: fplib.EventRead})
	for fd, c := range d.clients {
		events := fplib.EventRead
		if len(c.out) > 0 {
			events |= fplib.EventWrite
		}
		fds = append(fds, fplib.PollFD{FD: fd, Events: events})
	}
	return fds
}

func (d *device) owns(fd int) bool {
	if !d.open {
		return false
	}
	if fd == d.listener {
		return true
	}
	_, ok := d.clients[fd]
	return ok
}

func (d *device) handleEvents(fd int, revents fplib.Events) error {
	if fd == d.listener {
		return d.accept()
	}
	c := d.clients[fd]
	if revents&(fplib.EventRead|fplib.EventHangup|fplib.EventError) != 0 {
		if !d.readFrom(c) {
			d.dropClient(c)
			return nil
		}
	}
	if len(c.out) > 0 {
		if !d.flush(c) {
			d.dropClient(c)
		}
	}
	return nil
}

func (d *device) accept() error {
	for {
		nfd, _, err := unix.Accept4(d.listener, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", d.cfg.Socket, err)
		}
		d.clients[nfd] = &client{fd: nfd}
		d.logger.Debug("virtual control client connected", logging.Int("fd", nfd))
	}
}

// readFrom consumes everything readable and runs complete lines. It reports
// false once the peer is gone.
func (d *device) readFrom(c *client) bool {
	buf := make([]byte, 256)
	for {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return true
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false
		}
		if n == 0 {
			return false
		}
		c.in = append(c.in, buf[:n]...)
		for {
			idx := bytes.IndexByte(c.in, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(c.in[:idx]))
			c.in = c.in[idx+1:]
			if line != "" {
				c.out = append(c.out, d.command(line)+"\n"...)
			}
		}
		if len(c.in) > maxLineLength {
			c.in = nil
			c.out = append(c.out, "ERR line too long\n"...)
		}
	}
}

func (d *device) flush(c *client) bool {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return true
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false
		}
		c.out = c.out[n:]
	}
	return true
}

func (d *device) dropClient(c *client) {
	_ = unix.Close(c.fd)
	delete(d.clients, c.fd)
	d.logger.Debug("virtual control client disconnected", logging.Int("fd", c.fd))
}

var retryCodes = map[string]fplib.ResultCode{
	"":       fplib.ResultRetry,
	"short":  fplib.ResultRetryTooShort,
	"center": fplib.ResultRetryCenterFinger,
	"remove": fplib.ResultRetryRemoveFinger,
}

// command executes one control line and returns the reply.
func (d *device) command(line string) string {
	fields := strings.Fields(line)
	verb := strings.ToUpper(fields[0])
	args := fields[1:]
	switch verb {
	case "UNPLUG":
		d.unplug()
		d.logger.Info("virtual reader unplugged", logging.String(logging.FieldEventType, "virtual_unplug"))
		return "OK unplugged"
	case "STATUS":
		return "OK " + d.describe()
	}

	if d.op == nil || d.op.done {
		return "ERR no operation running"
	}
	if d.pending != nil {
		return "ERR scan already pending"
	}
	switch verb {
	case "SCAN":
		if len(args) != 1 {
			return "ERR usage: SCAN <finger-id>"
		}
		d.scan(args[0])
		return "OK scan " + args[0]
	case "RETRY":
		reason := ""
		if len(args) > 0 {
			reason = strings.ToLower(args[0])
		}
		code, ok := retryCodes[reason]
		if !ok {
			return "ERR unknown retry reason " + reason
		}
		d.retry(code)
		return "OK " + code.String()
	case "ERROR":
		d.fail()
		return "OK error"
	}
	return "ERR unknown command " + verb
}

func (d *device) describe() string {
	switch {
	case d.gone:
		return "gone"
	case d.op == nil:
		return "idle"
	case d.op.done:
		return d.op.params.Kind.String() + " done"
	}
	return fmt.Sprintf("%s stage %d/%d", d.op.params.Kind, d.op.stage, d.cfg.EnrollStages)
}
