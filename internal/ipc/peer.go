package ipc

import (
	"errors"
	"net"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// peer is the process on the other end of a connection.
type peer struct {
	uid      int
	pid      int
	username string
	known    bool
}

func (p peer) privileged() bool {
	return p.known && p.uid == 0
}

// peerCredentials reads SO_PEERCRED from a unix socket connection.
func peerCredentials(conn net.Conn) (peer, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return peer{}, errors.New("peer credentials need a unix socket")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return peer{}, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return peer{}, err
	}
	if credErr != nil {
		return peer{}, credErr
	}
	p := peer{uid: int(cred.Uid), pid: int(cred.Pid), known: true}
	if u, err := user.LookupId(strconv.Itoa(p.uid)); err == nil {
		p.username = u.Username
	}
	return p, nil
}
