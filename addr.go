package vines

import (
	"fmt"
	"net"

	"github.com/hashicorp/go-sockaddr"
)

// advertiseHost resolves the host other peers should use to reach this
// node. When the listener is bound to an unspecified host the nodes private
// IP is used instead, since "0.0.0.0" is meaningless to a remote peer.
func advertiseHost(bindAddr string) (string, error) {
	host, _, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr %s: %w", bindAddr, err)
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip, nil
	}

	return host, nil
}
