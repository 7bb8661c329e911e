package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"fprintd/internal/daemon"
	"fprintd/internal/fault"
	"fprintd/internal/finger"
	"fprintd/internal/fplib"
	"fprintd/internal/logging"
)

// ServiceName is the RPC service every method is registered under.
const ServiceName = "Fprint"

const maxWait = 5 * time.Minute

// Server exposes the daemon via JSON-RPC over a Unix domain socket.
type Server struct {
	path     string
	daemon   *daemon.Daemon
	logger   *slog.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	// Any local user may connect; authorization happens per call.
	if err := os.Chmod(path, 0o666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:     path,
		daemon:   d,
		logger:   logging.NewComponentLogger(logger, "ipc"),
		listener: listener,
		ctx:      serverCtx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			if !s.track(conn) {
				_ = conn.Close()
				return
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.serveConn(c)
			}(conn)
		}
	}()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// serveConn runs one RPC service instance bound to conn and releases the
// connection's sessions once the client goes away.
func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)

	connID := uuid.NewString()
	connCtx := logging.WithConnectionID(s.ctx, connID)
	logger := logging.WithContext(connCtx, s.logger)
	p, err := peerCredentials(conn)
	if err != nil {
		logger.Debug("peer credentials unavailable", logging.Error(err))
	}
	logger.Debug("client connected",
		logging.Int("peer_uid", p.uid),
		logging.Int("peer_pid", p.pid),
		logging.String("peer_user", p.username),
	)

	svc := &service{
		daemon: s.daemon,
		logger: logger,
		ctx:    connCtx,
		connID: connID,
		peer:   p,
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, svc); err != nil {
		logging.ErrorWithContext(logger, "register rpc service failed", "ipc_register_failed", logging.Error(err))
		_ = conn.Close()
		return
	}
	rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))

	ctx, cancel := context.WithTimeout(context.Background(), s.daemon.Config().StopTimeout())
	defer cancel()
	if err := s.daemon.Manager().ConnectionClosed(ctx, connID); err != nil {
		logger.Debug("releasing sessions after disconnect failed", logging.Error(err))
	}
	logger.Debug("client disconnected")
}

// Close stops the server, drops open connections and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun fprint stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
	connID string
	peer   peer
}

func (s *service) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.daemon.Config().RequestTimeout())
}

// wireError renders err with its taxonomy name so the client can classify it.
func wireError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(fault.Encode(err))
}

// resolveUser applies the claim rule: an empty name means the caller, and
// only root may act for somebody else. Callers whose credentials could not
// be read may not name a user.
func (s *service) resolveUser(requested string) (string, error) {
	if requested == "" {
		if s.peer.username == "" {
			return "", fault.Wrap(fault.ErrInvalidArgument, "ipc", "resolve user", "username required: caller identity unknown", nil)
		}
		return s.peer.username, nil
	}
	if !s.peer.known {
		return "", fault.Wrap(fault.ErrPermissionDenied, "ipc", "resolve user",
			fmt.Sprintf("caller identity unknown; may not act for %q", requested), nil)
	}
	if !s.peer.privileged() && requested != s.peer.username {
		return "", fault.Wrap(fault.ErrPermissionDenied, "ipc", "resolve user",
			fmt.Sprintf("uid %d may not act for %q", s.peer.uid, requested), nil)
	}
	return requested, nil
}

func (s *service) GetDevices(_ GetDevicesRequest, resp *GetDevicesResponse) error {
	resp.Devices = s.daemon.Manager().ListDevices()
	return nil
}

func (s *service) GetDefaultDevice(_ GetDefaultDeviceRequest, resp *GetDefaultDeviceResponse) error {
	ctx, cancel := s.requestContext()
	defer cancel()
	info, err := s.daemon.Manager().DefaultDevice(ctx)
	if err != nil {
		return wireError(err)
	}
	resp.Device = info
	return nil
}

func (s *service) Claim(req ClaimRequest, resp *ClaimResponse) error {
	owner, err := s.resolveUser(req.Username)
	if err != nil {
		return wireError(err)
	}
	ctx, cancel := s.requestContext()
	defer cancel()
	info, err := s.daemon.Manager().Claim(ctx, req.Device, owner, s.connID)
	if err != nil {
		return wireError(err)
	}
	logging.WithContext(logging.WithSessionID(s.ctx, info.ID), s.logger).Info("device claimed over IPC",
		logging.String(logging.FieldDeviceID, info.Device.ID),
		logging.String(logging.FieldOwner, info.Owner),
		logging.String(logging.FieldEventType, "ipc_claim"),
	)
	resp.Session = info.ID
	resp.Owner = info.Owner
	resp.Device = info.Device
	resp.ClaimedAt = info.ClaimedAt
	return nil
}

func (s *service) Release(req ReleaseRequest, _ *ReleaseResponse) error {
	ctx, cancel := s.requestContext()
	defer cancel()
	return wireError(s.daemon.Manager().Release(ctx, req.Session, s.connID))
}

func (s *service) start(kind fplib.Kind, req StartRequest, resp *StartResponse) error {
	ctx, cancel := s.requestContext()
	defer cancel()
	since, err := s.daemon.Manager().Start(ctx, req.Session, s.connID, kind, req.Finger)
	if err != nil {
		return wireError(err)
	}
	resp.Since = since
	return nil
}

func (s *service) stop(kind fplib.Kind, req StopRequest) error {
	ctx, cancel := s.requestContext()
	defer cancel()
	return wireError(s.daemon.Manager().Stop(ctx, req.Session, s.connID, kind))
}

func (s *service) EnrollStart(req StartRequest, resp *StartResponse) error {
	return s.start(fplib.KindEnroll, req, resp)
}

func (s *service) EnrollStop(req StopRequest, _ *StopResponse) error {
	return s.stop(fplib.KindEnroll, req)
}

func (s *service) VerifyStart(req StartRequest, resp *StartResponse) error {
	return s.start(fplib.KindVerify, req, resp)
}

func (s *service) VerifyStop(req StopRequest, _ *StopResponse) error {
	return s.stop(fplib.KindVerify, req)
}

func (s *service) IdentifyStart(req StartRequest, resp *StartResponse) error {
	return s.start(fplib.KindIdentify, req, resp)
}

func (s *service) IdentifyStop(req StopRequest, _ *StopResponse) error {
	return s.stop(fplib.KindIdentify, req)
}

func (s *service) WaitStatus(req WaitStatusRequest, resp *WaitStatusResponse) error {
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait > maxWait {
		wait = maxWait
	}
	ctx, cancel := s.requestContext()
	if wait > 0 {
		cancel()
		ctx, cancel = context.WithTimeout(s.ctx, wait)
	}
	defer cancel()
	statuses, next, err := s.daemon.Manager().WaitStatus(ctx, req.Session, s.connID, req.Since, req.Limit, wait > 0)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return wireError(err)
	}
	resp.Statuses = statuses
	resp.Next = next
	return nil
}

func (s *service) ListEnrolledFingers(req ListEnrolledRequest, resp *ListEnrolledResponse) error {
	owner, err := s.resolveUser(req.Username)
	if err != nil {
		return wireError(err)
	}
	ctx, cancel := s.requestContext()
	defer cancel()
	fingers, err := s.daemon.Manager().ListEnrolled(ctx, owner)
	if err != nil {
		return wireError(err)
	}
	resp.Username = owner
	resp.Fingers = fingerNames(fingers)
	return nil
}

func (s *service) DeleteEnrolledFingers(req DeleteEnrolledRequest, resp *DeleteEnrolledResponse) error {
	ctx, cancel := s.requestContext()
	defer cancel()
	deleted, err := s.daemon.Manager().DeleteEnrolled(ctx, req.Session, s.connID, req.Finger)
	if err != nil {
		return wireError(err)
	}
	resp.Deleted = fingerNames(deleted)
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	ctx, cancel := s.requestContext()
	defer cancel()
	status := s.daemon.Status(ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StartedAt = status.StartedAt
	resp.LockPath = status.LockFilePath
	resp.SocketPath = s.daemon.Config().SocketPath()
	resp.Backend = status.Backend
	resp.Sessions = status.Sessions
	resp.LastActivity = status.LastActivity
	resp.IdleTimeoutSeconds = int(status.IdleTimeout / time.Second)
	resp.Hotplug = status.Hotplug
	resp.Devices = make([]DeviceStatus, 0, len(status.Devices))
	for _, dev := range status.Devices {
		resp.Devices = append(resp.Devices, DeviceStatus{
			Device:    dev.Info,
			Removed:   dev.Removed,
			Session:   dev.SessionID,
			Owner:     dev.Owner,
			Operation: dev.Operation,
			Phase:     dev.Phase,
		})
	}
	return nil
}

func (s *service) Shutdown(_ ShutdownRequest, resp *ShutdownResponse) error {
	if !s.peer.known {
		return wireError(fault.Wrap(fault.ErrPermissionDenied, "ipc", "shutdown", "caller identity unknown", nil))
	}
	if !s.peer.privileged() && s.peer.uid != os.Getuid() {
		return wireError(fault.Wrap(fault.ErrPermissionDenied, "ipc", "shutdown",
			fmt.Sprintf("uid %d may not stop the daemon", s.peer.uid), nil))
	}
	s.logger.Info("daemon shutdown requested via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"),
		logging.Int("peer_uid", s.peer.uid))
	s.daemon.RequestShutdown("rpc")
	resp.Stopping = true
	return nil
}

func fingerNames(fingers []finger.Finger) []string {
	out := make([]string, 0, len(fingers))
	for _, f := range fingers {
		out = append(out, string(f))
	}
	return out
}
