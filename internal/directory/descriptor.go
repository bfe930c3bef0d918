// Package directory implements the server directory: the static registry of
// configured VPN backend servers, loaded from a YAML file and refreshed
// periodically. Descriptors are immutable once loaded.
package directory

import (
	"fmt"
	"strings"
)

// TransportKind selects how a backend server is reached. It is a closed set;
// the backend package resolves each kind to a concrete adapter.
type TransportKind string

const (
	// TransportSSHScript runs an embedded program over SSH against the
	// server's local credential database.
	TransportSSHScript TransportKind = "ssh_script"
	// TransportSSHRegex scrapes raw database dumps over SSH. Degraded,
	// list-mostly fallback for servers with a non-standard remote schema.
	TransportSSHRegex TransportKind = "ssh_regex"
	// TransportPanelAPI talks to the server's HTTP panel API.
	TransportPanelAPI TransportKind = "panel_api"
)

// IsValid reports whether k is a known transport kind.
func (k TransportKind) IsValid() bool {
	switch k {
	case TransportSSHScript, TransportSSHRegex, TransportPanelAPI:
		return true
	}
	return false
}

// Protocol is the VPN protocol type served by a backend.
type Protocol string

const (
	ProtocolOutline     Protocol = "outline"
	ProtocolVless       Protocol = "vless"
	ProtocolShadowsocks Protocol = "shadowsocks"
)

// IsValid reports whether p is a known protocol.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolOutline, ProtocolVless, ProtocolShadowsocks:
		return true
	}
	return false
}

// Protocol IDs used in selection state. Both directions of the mapping must
// stay consistent across selection, eligibility filtering and confirmation.
var protocolIDs = map[Protocol]int{
	ProtocolOutline:     0,
	ProtocolVless:       1,
	ProtocolShadowsocks: 2,
}

// ID returns the numeric selection id for the protocol, or -1 if unknown.
func (p Protocol) ID() int {
	if id, ok := protocolIDs[p]; ok {
		return id
	}
	return -1
}

// ProtocolByID returns the protocol for a numeric selection id.
func ProtocolByID(id int) (Protocol, bool) {
	for p, pid := range protocolIDs {
		if pid == id {
			return p, true
		}
	}
	return "", false
}

// ParseProtocol parses a textual protocol key.
func ParseProtocol(s string) (Protocol, bool) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if p.IsValid() {
		return p, true
	}
	return "", false
}

// Suffix returns the identifier marker appended to credentials of this
// protocol. Credentials without a marker are legacy/unmanaged.
func (p Protocol) Suffix() string {
	switch p {
	case ProtocolVless:
		return "_vless"
	case ProtocolShadowsocks:
		return "_ss"
	}
	return ""
}

// DefaultInboundID is assumed when a server does not specify one. The
// ssh_regex transport can only ever target this inbound; the registry
// validator rejects ssh_regex servers configured with any other value.
const DefaultInboundID = 1

// ServerDescriptor describes one configured backend server. Immutable once
// loaded from the registry file.
type ServerDescriptor struct {
	Name      string        `yaml:"name"`
	Address   string        `yaml:"address"`
	Transport TransportKind `yaml:"transport"`
	Protocol  Protocol      `yaml:"protocol"`
	InboundID int           `yaml:"inbound_id"`

	// SSH transports.
	SSHPassword string `yaml:"ssh_password"`

	// Panel API transport.
	PanelPort     int    `yaml:"panel_port"`
	PanelUser     string `yaml:"panel_user"`
	PanelPassword string `yaml:"panel_password"`
	PanelHTTPS    bool   `yaml:"panel_https"`
}

// Validate checks a single descriptor for completeness.
func (d *ServerDescriptor) Validate() error {
	var errs []string

	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, "name must not be empty")
	}
	if strings.TrimSpace(d.Address) == "" {
		errs = append(errs, "address must not be empty")
	}
	if !d.Transport.IsValid() {
		errs = append(errs, fmt.Sprintf("transport: unknown kind %q", d.Transport))
	}
	if !d.Protocol.IsValid() {
		errs = append(errs, fmt.Sprintf("protocol: unknown protocol %q", d.Protocol))
	}
	if d.InboundID < 0 {
		errs = append(errs, fmt.Sprintf("inbound_id: must not be negative, got %d", d.InboundID))
	}

	switch d.Transport {
	case TransportSSHScript, TransportSSHRegex:
		if d.SSHPassword == "" {
			errs = append(errs, "ssh_password: required for SSH transports")
		}
		if d.Transport == TransportSSHRegex && d.InboundID != 0 && d.InboundID != DefaultInboundID {
			errs = append(errs, fmt.Sprintf(
				"inbound_id: ssh_regex can only target inbound %d, got %d", DefaultInboundID, d.InboundID))
		}
	case TransportPanelAPI:
		if d.PanelPort < 1 || d.PanelPort > 65535 {
			errs = append(errs, fmt.Sprintf("panel_port: must be 1-65535, got %d", d.PanelPort))
		}
		if d.PanelUser == "" {
			errs = append(errs, "panel_user: required for panel_api transport")
		}
		if d.PanelPassword == "" {
			errs = append(errs, "panel_password: required for panel_api transport")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("server %q: %s", d.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Inbound returns the effective inbound id, applying the default.
func (d *ServerDescriptor) Inbound() int {
	if d.InboundID == 0 {
		return DefaultInboundID
	}
	return d.InboundID
}
