//go:build !linux

package transport

import (
	"fmt"
	"net"
	"runtime"

	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
)

// Peer credentials are only resolved on Linux; every other peer is rejected.
func peerCredentials(*net.UnixConn) (channel.PeerInfo, error) {
	return channel.PeerInfo{}, fmt.Errorf("%w on %s", ErrPeerCredentialsUnavailable, runtime.GOOS)
}
