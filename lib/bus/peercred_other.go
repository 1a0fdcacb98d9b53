//go:build !linux

package bus

import (
	"fmt"
	"net"
)

func peerCredentials(conn net.Conn) (Credentials, error) {
	return Credentials{}, fmt.Errorf("peer credentials are not supported on this platform")
}
