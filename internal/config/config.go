// Package config defines the read-only record the node consumes at
// start-up. It is the external collaborator contract from SPEC_FULL.md
// §1: the core never parses flags itself, it only reads this struct.
package config

// DefaultPort is the node's default listen port when --port is not
// given on the CLI.
const DefaultPort uint16 = 51511

// Config is populated by cmd/chatnode from CLI flags and handed to the
// node constructor (p2p.New) unchanged.
type Config struct {
	// HostIP is the address the P2P listener binds to.
	HostIP string

	// Port is the P2P listen port.
	Port uint16

	// GroupIdentifier holds the --id value. Neither the core protocol
	// nor the REPL reads it.
	GroupIdentifier string

	// InitialPeerIP, if non-nil, is dialed once at start-up.
	InitialPeerIP *string

	// AdvertisedIP, if non-nil, is this node's externally reachable
	// self-IP, excluded from dialing the same way HostIP is.
	AdvertisedIP *string

	// IsServerMode suppresses the interactive REPL and routes logs to
	// stdout instead of a file.
	IsServerMode bool
}

// Default returns a Config with the documented defaults and no peer or
// advertised IP set.
func Default() Config {
	return Config{
		HostIP: "0.0.0.0",
		Port:   DefaultPort,
	}
}
