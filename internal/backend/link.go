package backend

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// inboundInfo is the subset of an inbound row needed for link generation.
// Settings and StreamSettings are JSON-encoded strings in the backend
// schema, decoded lazily here.
type inboundInfo struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

type inboundSettings struct {
	Clients  []clientEntry `json:"clients"`
	Method   string        `json:"method"`
	Password string        `json:"password"`
}

type streamSettings struct {
	Network  string           `json:"network"`
	Security string           `json:"security"`
	Reality  *realitySettings `json:"realitySettings"`
}

type realitySettings struct {
	Settings struct {
		Fingerprint string `json:"fingerprint"`
		PublicKey   string `json:"publicKey"`
	} `json:"settings"`
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
}

// ConnectHost extracts the bare host from a configured server address that
// may be host, host:port, a URL, or a bracketed IPv6 literal, and
// normalizes unicode hostnames to their ASCII (punycode) form so the host
// can be embedded in a connection URI.
//
// Examples:
//
//	"https://vpn.example.com:2053/panel" -> "vpn.example.com"
//	"185.233.81.238"                     -> "185.233.81.238"
//	"[::1]:22"                           -> "::1"
func ConnectHost(address string) string {
	target := address
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		return ascii
	}
	return host
}

// buildLink produces the protocol connection URI for the credential with
// the given email, or ErrLinkGeneration when the inbound configuration
// cannot yield a usable one.
func buildLink(desc directory.ServerDescriptor, info inboundInfo, email, label string) (string, error) {
	var settings inboundSettings
	if err := json.Unmarshal([]byte(info.Settings), &settings); err != nil {
		return "", fmt.Errorf("backend: %s: inbound %d settings malformed: %w", desc.Name, info.ID, ErrLinkGeneration)
	}

	var client *clientEntry
	for i := range settings.Clients {
		if settings.Clients[i].Email == email {
			client = &settings.Clients[i]
			break
		}
	}
	if client == nil {
		return "", fmt.Errorf("backend: %s: no client %q on inbound %d: %w", desc.Name, email, info.ID, ErrLinkGeneration)
	}

	var stream streamSettings
	if err := json.Unmarshal([]byte(info.StreamSettings), &stream); err != nil {
		return "", fmt.Errorf("backend: %s: inbound %d stream settings malformed: %w", desc.Name, info.ID, ErrLinkGeneration)
	}

	host := ConnectHost(desc.Address)

	switch desc.Protocol {
	case directory.ProtocolVless:
		return buildVlessLink(host, info.Port, stream, client, label, desc.Name)
	case directory.ProtocolShadowsocks:
		return buildSSLink(host, info.Port, settings, stream, client, label, desc.Name)
	case directory.ProtocolOutline:
		return buildOutlineLink(host, info.Port, settings, client, label, desc.Name)
	default:
		return "", fmt.Errorf(
			"backend: %s: unknown protocol %q: %w", desc.Name, desc.Protocol, ErrLinkGeneration)
	}
}

func buildVlessLink(host string, port int, stream streamSettings, client *clientEntry, label, server string) (string, error) {
	if client.ID == "" {
		return "", fmt.Errorf("backend: %s: client %q has no uuid: %w", server, client.Email, ErrLinkGeneration)
	}
	if stream.Reality == nil || len(stream.Reality.ServerNames) == 0 || len(stream.Reality.ShortIDs) == 0 {
		return "", fmt.Errorf("backend: %s: inbound reality settings incomplete: %w", server, ErrLinkGeneration)
	}

	q := url.Values{}
	q.Set("type", stream.Network)
	q.Set("security", stream.Security)
	if client.Flow != "" {
		q.Set("flow", client.Flow)
	}
	q.Set("fp", stream.Reality.Settings.Fingerprint)
	q.Set("pbk", stream.Reality.Settings.PublicKey)
	q.Set("sni", stream.Reality.ServerNames[0])
	q.Set("sid", stream.Reality.ShortIDs[0])
	q.Set("spx", "/")

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		client.ID, host, port, q.Encode(), url.PathEscape(label)), nil
}

func buildSSLink(host string, port int, settings inboundSettings, stream streamSettings, client *clientEntry, label, server string) (string, error) {
	if client.Password == "" {
		return "", fmt.Errorf("backend: %s: client %q has no password: %w", server, client.Email, ErrLinkGeneration)
	}
	if settings.Method == "" {
		return "", fmt.Errorf("backend: %s: inbound has no cipher method: %w", server, ErrLinkGeneration)
	}

	userInfo := base64.StdEncoding.EncodeToString(
		[]byte(settings.Method + ":" + settings.Password + ":" + client.Password))

	return fmt.Sprintf("ss://%s@%s:%d?type=%s#%s",
		userInfo, host, port, stream.Network, url.PathEscape(label)), nil
}

// buildOutlineLink renders the access URL for an outline client. Outline
// access keys are ss:// URIs carrying the key's own method:password pair;
// the outline marker routes the link to the Outline app on import.
func buildOutlineLink(host string, port int, settings inboundSettings, client *clientEntry, label, server string) (string, error) {
	if client.Password == "" {
		return "", fmt.Errorf("backend: %s: client %q has no key password: %w", server, client.Email, ErrLinkGeneration)
	}
	if settings.Method == "" {
		return "", fmt.Errorf("backend: %s: inbound has no cipher method: %w", server, ErrLinkGeneration)
	}

	userInfo := base64.StdEncoding.EncodeToString(
		[]byte(settings.Method + ":" + client.Password))

	return fmt.Sprintf("ss://%s@%s:%d/?outline=1#%s",
		userInfo, host, port, url.PathEscape(label)), nil
}
