package backend

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/vpnhub/keyfleet/internal/directory"
)

func TestConnectHost(t *testing.T) {
	cases := []struct {
		address string
		want    string
	}{
		{"185.233.81.238", "185.233.81.238"},
		{"185.233.81.238:22", "185.233.81.238"},
		{"vpn.example.com", "vpn.example.com"},
		{"https://vpn.example.com:2053/panel", "vpn.example.com"},
		{"http://vpn.example.com", "vpn.example.com"},
		{"[::1]:22", "::1"},
		{"bücher.example", "xn--bcher-kva.example"},
	}
	for _, tc := range cases {
		if got := ConnectHost(tc.address); got != tc.want {
			t.Errorf("ConnectHost(%q) = %q, want %q", tc.address, got, tc.want)
		}
	}
}

func vlessInbound() inboundInfo {
	return inboundInfo{
		ID:   1,
		Port: 443,
		Settings: `{"clients":[{"id":"5c3f9a2e-0000-0000-0000-1234567890ab",` +
			`"email":"123_vless","flow":"xtls-rprx-vision","enable":true}]}`,
		StreamSettings: `{"network":"tcp","security":"reality","realitySettings":` +
			`{"settings":{"fingerprint":"chrome","publicKey":"pubkey123"},` +
			`"serverNames":["cdn.example.org"],"shortIds":["abcd1234"]}}`,
	}
}

func TestBuildVlessLink(t *testing.T) {
	desc := directory.ServerDescriptor{
		Name:      "Germany",
		Address:   "185.233.81.238",
		Transport: directory.TransportSSHScript,
		Protocol:  directory.ProtocolVless,
	}

	link, err := buildLink(desc, vlessInbound(), "123_vless", "Germany vless")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(link, "vless://5c3f9a2e-0000-0000-0000-1234567890ab@185.233.81.238:443?") {
		t.Errorf("unexpected link prefix: %s", link)
	}
	for _, frag := range []string{
		"security=reality", "flow=xtls-rprx-vision", "pbk=pubkey123",
		"sni=cdn.example.org", "sid=abcd1234", "fp=chrome", "spx=%2F",
	} {
		if !strings.Contains(link, frag) {
			t.Errorf("link missing %q: %s", frag, link)
		}
	}
	if !strings.HasSuffix(link, "#Germany%20vless") {
		t.Errorf("label not escaped into fragment: %s", link)
	}
}

func TestBuildVlessLink_IncompleteReality(t *testing.T) {
	desc := directory.ServerDescriptor{Name: "s", Address: "1.2.3.4", Protocol: directory.ProtocolVless}
	info := vlessInbound()
	info.StreamSettings = `{"network":"tcp","security":"reality"}`

	_, err := buildLink(desc, info, "123_vless", "l")
	if !errors.Is(err, ErrLinkGeneration) {
		t.Fatalf("expected ErrLinkGeneration, got %v", err)
	}
}

func TestBuildSSLink(t *testing.T) {
	desc := directory.ServerDescriptor{
		Name:      "Finland",
		Address:   "65.109.1.1",
		Transport: directory.TransportSSHScript,
		Protocol:  directory.ProtocolShadowsocks,
	}
	info := inboundInfo{
		ID:   1,
		Port: 8388,
		Settings: `{"clients":[{"id":"clientpw","email":"123_ss","password":"clientpw","enable":true}],` +
			`"method":"chacha20-ietf-poly1305","password":"serverpw"}`,
		StreamSettings: `{"network":"tcp"}`,
	}

	link, err := buildLink(desc, info, "123_ss", "Finland ss")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantUser := base64.StdEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:serverpw:clientpw"))
	if !strings.HasPrefix(link, "ss://"+wantUser+"@65.109.1.1:8388?") {
		t.Errorf("unexpected link: %s", link)
	}
	if !strings.HasSuffix(link, "#Finland%20ss") {
		t.Errorf("label not escaped: %s", link)
	}
}

func TestBuildLink_UnknownClient(t *testing.T) {
	desc := directory.ServerDescriptor{Name: "s", Address: "1.2.3.4", Protocol: directory.ProtocolVless}

	_, err := buildLink(desc, vlessInbound(), "nobody", "l")
	if !errors.Is(err, ErrLinkGeneration) {
		t.Fatalf("expected ErrLinkGeneration, got %v", err)
	}
}

func TestBuildOutlineLink(t *testing.T) {
	desc := directory.ServerDescriptor{
		Name:      "Estonia",
		Address:   "5.45.10.1",
		Transport: directory.TransportSSHScript,
		Protocol:  directory.ProtocolOutline,
	}
	info := inboundInfo{
		ID:   1,
		Port: 9443,
		Settings: `{"clients":[{"id":"keypw","email":"123","password":"keypw","enable":true}],` +
			`"method":"chacha20-ietf-poly1305","password":"serverpw"}`,
		StreamSettings: `{"network":"tcp"}`,
	}

	link, err := buildLink(desc, info, "123", "Estonia outline")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Outline access keys carry only the key's own method:password.
	wantUser := base64.StdEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:keypw"))
	if !strings.HasPrefix(link, "ss://"+wantUser+"@5.45.10.1:9443/?outline=1") {
		t.Errorf("unexpected link: %s", link)
	}
	if !strings.HasSuffix(link, "#Estonia%20outline") {
		t.Errorf("label not escaped: %s", link)
	}
}

func TestBuildOutlineLink_NoPassword(t *testing.T) {
	desc := directory.ServerDescriptor{Name: "s", Address: "1.2.3.4", Protocol: directory.ProtocolOutline}
	info := inboundInfo{
		ID:             1,
		Port:           9443,
		Settings:       `{"clients":[{"id":"a","email":"123","enable":true}],"method":"chacha20-ietf-poly1305"}`,
		StreamSettings: `{"network":"tcp"}`,
	}

	_, err := buildLink(desc, info, "123", "l")
	if !errors.Is(err, ErrLinkGeneration) {
		t.Fatalf("expected ErrLinkGeneration, got %v", err)
	}
}
