package transport

import (
	"fmt"
	"os"

	"github.com/Mindburn-Labs/helm-signer/pkg/channel"
)

// Authorizer decides whether a resolved peer may talk to the signer.
type Authorizer interface {
	Authorize(peer channel.PeerInfo) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(peer channel.PeerInfo) error

func (f AuthorizerFunc) Authorize(peer channel.PeerInfo) error { return f(peer) }

// UIDAuthorizer admits the daemon's own uid plus explicitly allowed uids and
// gids.
type UIDAuthorizer struct {
	uids map[uint32]bool
	gids map[uint32]bool
}

// NewUIDAuthorizer allows the current process uid and the given ids.
func NewUIDAuthorizer(uids, gids []uint32) *UIDAuthorizer {
	a := &UIDAuthorizer{uids: make(map[uint32]bool), gids: make(map[uint32]bool)}
	//nolint:gosec // uids are non-negative on every supported platform
	a.uids[uint32(os.Getuid())] = true
	for _, u := range uids {
		a.uids[u] = true
	}
	for _, g := range gids {
		a.gids[g] = true
	}
	return a
}

func (a *UIDAuthorizer) Authorize(peer channel.PeerInfo) error {
	if a.uids[peer.UID] || a.gids[peer.GID] {
		return nil
	}
	return fmt.Errorf("%w: uid %d gid %d", ErrUnauthorizedPeer, peer.UID, peer.GID)
}
