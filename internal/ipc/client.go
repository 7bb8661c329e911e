package ipc

import (
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"fprintd/internal/fault"
)

// Client provides RPC access to the daemon. A Client is one connection:
// sessions it claims are released when it is closed.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		err := c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// call invokes method and maps server errors back onto fault sentinels.
func (c *Client) call(method string, req, resp any) error {
	err := c.client.Call(ServiceName+"."+method, req, resp)
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return fault.Decode(string(serverErr))
	}
	return err
}

// GetDevices lists every reader.
func (c *Client) GetDevices() (*GetDevicesResponse, error) {
	var resp GetDevicesResponse
	if err := c.call("GetDevices", GetDevicesRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDefaultDevice returns the first usable reader.
func (c *Client) GetDefaultDevice() (*GetDefaultDeviceResponse, error) {
	var resp GetDefaultDeviceResponse
	if err := c.call("GetDefaultDevice", GetDefaultDeviceRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Claim claims device for username.
func (c *Client) Claim(device, username string) (*ClaimResponse, error) {
	var resp ClaimResponse
	if err := c.call("Claim", ClaimRequest{Device: device, Username: username}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Release ends a claim.
func (c *Client) Release(session string) error {
	return c.call("Release", ReleaseRequest{Session: session}, &ReleaseResponse{})
}

func (c *Client) start(method, session, finger string) (*StartResponse, error) {
	var resp StartResponse
	if err := c.call(method, StartRequest{Session: session, Finger: finger}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnrollStart begins enrolling finger.
func (c *Client) EnrollStart(session, finger string) (*StartResponse, error) {
	return c.start("EnrollStart", session, finger)
}

// EnrollStop cancels or acknowledges an enrollment.
func (c *Client) EnrollStop(session string) error {
	return c.call("EnrollStop", StopRequest{Session: session}, &StopResponse{})
}

// VerifyStart begins verifying finger.
func (c *Client) VerifyStart(session, finger string) (*StartResponse, error) {
	return c.start("VerifyStart", session, finger)
}

// VerifyStop cancels or acknowledges a verification.
func (c *Client) VerifyStop(session string) error {
	return c.call("VerifyStop", StopRequest{Session: session}, &StopResponse{})
}

// IdentifyStart begins identifying against every stored finger.
func (c *Client) IdentifyStart(session string) (*StartResponse, error) {
	return c.start("IdentifyStart", session, "")
}

// IdentifyStop cancels or acknowledges an identification.
func (c *Client) IdentifyStop(session string) error {
	return c.call("IdentifyStop", StopRequest{Session: session}, &StopResponse{})
}

// WaitStatus returns notifications after since, waiting up to wait for one.
func (c *Client) WaitStatus(session string, since uint64, wait time.Duration) (*WaitStatusResponse, error) {
	var resp WaitStatusResponse
	req := WaitStatusRequest{Session: session, Since: since, WaitMillis: int(wait / time.Millisecond)}
	if err := c.call("WaitStatus", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListEnrolledFingers lists the fingers stored for username.
func (c *Client) ListEnrolledFingers(username string) (*ListEnrolledResponse, error) {
	var resp ListEnrolledResponse
	if err := c.call("ListEnrolledFingers", ListEnrolledRequest{Username: username}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteEnrolledFingers deletes finger, or every finger when empty, for the
// session owner.
func (c *Client) DeleteEnrolledFingers(session, finger string) (*DeleteEnrolledResponse, error) {
	var resp DeleteEnrolledResponse
	if err := c.call("DeleteEnrolledFingers", DeleteEnrolledRequest{Session: session, Finger: finger}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() (*ShutdownResponse, error) {
	var resp ShutdownResponse
	if err := c.call("Shutdown", ShutdownRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
