package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// xuiDBPath is where x-ui keeps its credential database on the fleet's
// SSH-administered servers.
const xuiDBPath = "/etc/x-ui/x-ui.db"

// sshScriptAdapter drives a server by executing short embedded programs
// against its local credential database over SSH. Output is line-oriented
// "id|email". Creation and deletion are read-modify-write transactions on
// the inbound settings blob; the facade serializes them per server because
// the remote file has no locking guarantee visible to us.
type sshScriptAdapter struct {
	desc   directory.ServerDescriptor
	runner commandRunner
}

func newSSHScriptAdapter(desc directory.ServerDescriptor, opts Options) *sshScriptAdapter {
	return &sshScriptAdapter{
		desc:   desc,
		runner: newSSHRunner(desc.Address, opts, desc.SSHPassword),
	}
}

// Login is a no-op: each command dials its own session.
func (a *sshScriptAdapter) Login(ctx context.Context) error { return nil }

const listScript = `
import sqlite3, json
conn = sqlite3.connect("%s")
cursor = conn.cursor()
cursor.execute("SELECT id, settings FROM inbounds")
for row in cursor.fetchall():
    if row[1]:
        try:
            for c in json.loads(row[1]).get("clients", []):
                print("%%d|%%s" %% (row[0], c.get("email", "")))
        except Exception:
            pass
conn.close()
`

func (a *sshScriptAdapter) ListCredentials(ctx context.Context) ([]Credential, error) {
	script := fmt.Sprintf(listScript, xuiDBPath)
	out, err := a.runner.Run(ctx, pythonStdin, script)
	if err != nil {
		return nil, err
	}
	return parsePipeLines(a.desc.Name, out)
}

const deleteScript = `
import sqlite3, json
conn = sqlite3.connect("%s")
conn.text_factory = str
cursor = conn.cursor()
cursor.execute("SELECT settings FROM inbounds WHERE id=?", (%d,))
row = cursor.fetchone()
if row:
    settings = json.loads(row[0])
    clients = settings.get("clients", [])
    kept = [c for c in clients if c.get("email") != %q]
    if len(kept) < len(clients):
        settings["clients"] = kept
        cursor.execute("UPDATE inbounds SET settings=? WHERE id=?", (json.dumps(settings, ensure_ascii=False), %d))
        conn.commit()
        print("deleted")
conn.close()
`

func (a *sshScriptAdapter) DeleteCredential(ctx context.Context, inboundID int, email string) (bool, error) {
	script := fmt.Sprintf(deleteScript, xuiDBPath, inboundID, email, inboundID)
	out, err := a.runner.Run(ctx, pythonStdin, script)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "deleted"), nil
}

const createScript = `
import sqlite3, json
conn = sqlite3.connect("%s")
conn.text_factory = str
cursor = conn.cursor()
cursor.execute("SELECT settings FROM inbounds WHERE id=?", (%d,))
row = cursor.fetchone()
if row:
    settings = json.loads(row[0])
    clients = settings.get("clients", [])
    if any(c.get("email") == %q for c in clients):
        print("duplicate")
    else:
        clients.append(json.loads(%q))
        settings["clients"] = clients
        cursor.execute("UPDATE inbounds SET settings=? WHERE id=?", (json.dumps(settings, ensure_ascii=False), %d))
        conn.commit()
        print("created")
conn.close()
`

func (a *sshScriptAdapter) CreateCredential(ctx context.Context, email string) (Credential, error) {
	inbound := a.desc.Inbound()
	client := newClientEntry(a.desc.Protocol, email)

	payload, err := json.Marshal(client)
	if err != nil {
		return Credential{}, fmt.Errorf("backend: %s: encode client: %w", a.desc.Name, err)
	}

	script := fmt.Sprintf(createScript, xuiDBPath, inbound, email, string(payload), inbound)
	out, err := a.runner.Run(ctx, pythonStdin, script)
	if err != nil {
		return Credential{}, err
	}
	switch {
	case strings.Contains(out, "created"):
		return Credential{Email: email, InboundID: inbound, ClientID: client.ID}, nil
	case strings.Contains(out, "duplicate"):
		return Credential{}, fmt.Errorf("backend: %s: client %q already exists: %w", a.desc.Name, email, ErrRemoteOperation)
	default:
		return Credential{}, fmt.Errorf("backend: %s: inbound %d not found: %w", a.desc.Name, inbound, ErrRemoteOperation)
	}
}

const inboundScript = `
import sqlite3, json
conn = sqlite3.connect("%s")
cursor = conn.cursor()
cursor.execute("SELECT port, settings, stream_settings FROM inbounds WHERE id=?", (%d,))
row = cursor.fetchone()
if row:
    print(json.dumps({"port": row[0], "settings": row[1], "streamSettings": row[2]}))
conn.close()
`

func (a *sshScriptAdapter) ConnectionLink(ctx context.Context, email, label string) (string, error) {
	inbound := a.desc.Inbound()
	script := fmt.Sprintf(inboundScript, xuiDBPath, inbound)
	out, err := a.runner.Run(ctx, pythonStdin, script)
	if err != nil {
		return "", err
	}

	var info inboundInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &info); err != nil {
		return "", fmt.Errorf("backend: %s: inbound %d output malformed: %w", a.desc.Name, inbound, ErrParseFailure)
	}
	info.ID = inbound

	return buildLink(a.desc, info, email, label)
}

// clientEntry is the client object written into inbound settings.
type clientEntry struct {
	ID       string `json:"id,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Flow     string `json:"flow,omitempty"`
	Enable   bool   `json:"enable"`
	LimitIP  int    `json:"limitIp"`
	TotalGB  int64  `json:"totalGB"`
}

// newClientEntry builds a fresh client for the protocol: vless clients get
// a uuid and the anti-DPI flow, shadowsocks and outline clients get a
// generated key password.
func newClientEntry(p directory.Protocol, email string) clientEntry {
	e := clientEntry{Email: email, Enable: true}
	switch p {
	case directory.ProtocolShadowsocks, directory.ProtocolOutline:
		e.Password = uuid.NewString()
		e.ID = e.Password
	default:
		e.ID = uuid.NewString()
		e.Flow = "xtls-rprx-vision"
	}
	return e
}

// pythonStdin reads the program from stdin. Emails discovered on the
// remote end get interpolated into the programs, so they must never pass
// through the remote shell's quoting.
const pythonStdin = "python3 -"

// parsePipeLines parses "id|email" output. Blank output is a legitimately
// empty server; non-blank output yielding no parseable line is a parse
// failure (never to be confused with "no credentials exist").
func parsePipeLines(server, out string) ([]Credential, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}

	var creds []Credential
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.IndexByte(line, '|')
		if idx <= 0 {
			continue
		}
		id, err := strconv.Atoi(line[:idx])
		if err != nil {
			continue
		}
		email := strings.TrimSpace(line[idx+1:])
		if email == "" {
			continue
		}
		creds = append(creds, Credential{Email: email, InboundID: id})
	}

	if creds == nil {
		return nil, fmt.Errorf("backend: %s: list output matched no id|email lines: %w", server, ErrParseFailure)
	}
	return creds, nil
}
