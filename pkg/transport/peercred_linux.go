//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
)

func peerCredentials(conn *net.UnixConn) (channel.PeerInfo, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return channel.PeerInfo{}, fmt.Errorf("%w: %w", ErrPeerCredentialsUnavailable, err)
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return channel.PeerInfo{}, fmt.Errorf("%w: %w", ErrPeerCredentialsUnavailable, err)
	}
	if credErr != nil {
		return channel.PeerInfo{}, fmt.Errorf("%w: %w", ErrPeerCredentialsUnavailable, credErr)
	}
	return channel.PeerInfo{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
