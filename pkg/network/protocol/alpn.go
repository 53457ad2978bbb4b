package protocol

import (
	"fmt"
	"strings"
)

const (
	protocolPrefix = "approval-voting"
	currentVersion = "0"
)

// ProtocolID returns the ALPN identifier for a network, e.g. "approval-voting/0/polkadot".
func ProtocolID(network string) string {
	return strings.Join([]string{protocolPrefix, currentVersion, network}, "/")
}

// ValidateProtocol checks an ALPN string negotiated with a peer.
func ValidateProtocol(protocol, network string) error {
	if protocol != ProtocolID(network) {
		return fmt.Errorf("unsupported protocol %q", protocol)
	}
	return nil
}
