package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// panelAdapter talks to a 3x-ui style panel over HTTP. Login is a form
// POST that sets a session cookie; the cookie is reused for subsequent
// calls within the same adapter instance (one facade), and refreshed by
// the next Login.
type panelAdapter struct {
	desc    directory.ServerDescriptor
	baseURL string
	client  *http.Client

	loggedIn bool
}

func newPanelAdapter(desc directory.ServerDescriptor, opts Options) *panelAdapter {
	scheme := "http"
	if desc.PanelHTTPS {
		scheme = "https"
	}

	// cookiejar.New with default options never fails.
	jar, _ := cookiejar.New(nil)

	return &panelAdapter{
		desc:    desc,
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, ConnectHost(desc.Address), desc.PanelPort),
		client: &http.Client{
			Jar:     jar,
			Timeout: opts.PanelHTTPTimeout,
		},
	}
}

// panelResponse is the panel's uniform JSON envelope.
type panelResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// panelInbound is one inbound as returned by the list endpoint. Settings
// and StreamSettings arrive as JSON-encoded strings.
type panelInbound struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

func (a *panelAdapter) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", a.desc.PanelUser)
	form.Set("password", a.desc.PanelPassword)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("backend: %s: build login request: %w", a.desc.Name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: login: %v: %w", a.desc.Name, err, ErrTransportUnavailable)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: %s: login status %d: %w", a.desc.Name, resp.StatusCode, ErrTransportUnavailable)
	}

	var env panelResponse
	// Some panels return a bare 200 with no JSON body on success.
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err == nil && !env.Success {
			return fmt.Errorf("backend: %s: login rejected: %s: %w", a.desc.Name, env.Msg, ErrTransportUnavailable)
		}
	}

	a.loggedIn = true
	return nil
}

func (a *panelAdapter) ensureLogin(ctx context.Context) error {
	if a.loggedIn {
		return nil
	}
	return a.Login(ctx)
}

func (a *panelAdapter) listInbounds(ctx context.Context) ([]panelInbound, error) {
	if err := a.ensureLogin(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: build list request: %w", a.desc.Name, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: list inbounds: %v: %w", a.desc.Name, err, ErrTransportUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: %s: list inbounds status %d: %w", a.desc.Name, resp.StatusCode, ErrTransportUnavailable)
	}

	var env panelResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("backend: %s: list inbounds body malformed: %w", a.desc.Name, ErrParseFailure)
	}
	if !env.Success {
		return nil, fmt.Errorf("backend: %s: list inbounds rejected: %s: %w", a.desc.Name, env.Msg, ErrRemoteOperation)
	}

	var inbounds []panelInbound
	if err := json.Unmarshal(env.Obj, &inbounds); err != nil {
		return nil, fmt.Errorf("backend: %s: inbound list malformed: %w", a.desc.Name, ErrParseFailure)
	}
	return inbounds, nil
}

func (a *panelAdapter) ListCredentials(ctx context.Context) ([]Credential, error) {
	inbounds, err := a.listInbounds(ctx)
	if err != nil {
		return nil, err
	}

	var creds []Credential
	for _, inb := range inbounds {
		if inb.Settings == "" {
			continue
		}
		var settings inboundSettings
		if err := json.Unmarshal([]byte(inb.Settings), &settings); err != nil {
			// One inbound with a broken settings blob must not hide the
			// rest; skip it the way the regex adapter skips garbage.
			continue
		}
		for _, c := range settings.Clients {
			if c.Email == "" {
				continue
			}
			creds = append(creds, Credential{Email: c.Email, InboundID: inb.ID, ClientID: c.ID})
		}
	}
	return creds, nil
}

func (a *panelAdapter) DeleteCredential(ctx context.Context, inboundID int, email string) (bool, error) {
	if err := a.ensureLogin(ctx); err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/panel/api/inbounds/%d/delClient/%s", a.baseURL, inboundID, url.PathEscape(email))
	env, err := a.postEnvelope(ctx, endpoint, nil)
	if err != nil {
		return false, err
	}
	if env.Success {
		return true, nil
	}

	msg := strings.ToLower(env.Msg)
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no client") {
		return false, nil
	}
	return false, fmt.Errorf("backend: %s: delete %q rejected: %s: %w", a.desc.Name, email, env.Msg, ErrRemoteOperation)
}

func (a *panelAdapter) CreateCredential(ctx context.Context, email string) (Credential, error) {
	if err := a.ensureLogin(ctx); err != nil {
		return Credential{}, err
	}

	inbound := a.desc.Inbound()
	client := newClientEntry(a.desc.Protocol, email)

	clientsJSON, err := json.Marshal(map[string]any{"clients": []clientEntry{client}})
	if err != nil {
		return Credential{}, fmt.Errorf("backend: %s: encode client: %w", a.desc.Name, err)
	}
	payload := map[string]any{
		"id":       inbound,
		"settings": string(clientsJSON),
	}

	env, err := a.postEnvelope(ctx, a.baseURL+"/panel/api/inbounds/addClient", payload)
	if err != nil {
		return Credential{}, err
	}
	if !env.Success {
		return Credential{}, fmt.Errorf("backend: %s: add %q rejected: %s: %w", a.desc.Name, email, env.Msg, ErrRemoteOperation)
	}

	return Credential{Email: email, InboundID: inbound, ClientID: client.ID}, nil
}

func (a *panelAdapter) ConnectionLink(ctx context.Context, email, label string) (string, error) {
	inbounds, err := a.listInbounds(ctx)
	if err != nil {
		return "", err
	}

	target := a.desc.Inbound()
	for _, inb := range inbounds {
		if inb.ID != target {
			continue
		}
		info := inboundInfo{
			ID:             inb.ID,
			Port:           inb.Port,
			Settings:       inb.Settings,
			StreamSettings: inb.StreamSettings,
		}
		return buildLink(a.desc, info, email, label)
	}
	return "", fmt.Errorf("backend: %s: inbound %d not found: %w", a.desc.Name, target, ErrLinkGeneration)
}

func (a *panelAdapter) postEnvelope(ctx context.Context, endpoint string, payload any) (*panelResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("backend: %s: encode request: %w", a.desc.Name, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: build request: %w", a.desc.Name, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %s: %v: %w", a.desc.Name, endpoint, err, ErrTransportUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: %s: %s status %d: %w", a.desc.Name, endpoint, resp.StatusCode, ErrRemoteOperation)
	}

	var env panelResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("backend: %s: %s body malformed: %w", a.desc.Name, endpoint, ErrParseFailure)
	}
	return &env, nil
}
