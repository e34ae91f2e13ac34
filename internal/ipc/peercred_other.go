//go:build !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

// Without peer credentials the socket's 0600 mode is the only check.
func peerIsCurrentUser(net.Conn) (bool, error) {
	return false, errors.New("peer credentials unsupported")
}
