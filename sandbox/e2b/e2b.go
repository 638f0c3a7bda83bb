// Package e2b implements sandbox.Provider against the E2B REST API.
// Sandboxes are created from a template and exposed through
// deterministic per-port public hosts; files and commands go through
// the in-sandbox envd HTTP service.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jxucoder/fecoder/sandbox"
	"github.com/jxucoder/fecoder/workspace"
)

const (
	defaultDomain  = "e2b.app"
	defaultTimeout = 900 // sandbox lifetime seconds
	envdPort       = 49983
	workspacePath  = "/home/user/workspace"
)

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("e2b: HTTP %d: %s", e.StatusCode, e.Body)
}

// Provider creates sandboxes through the E2B control plane.
type Provider struct {
	apiKey     string
	templateID string
	domain     string
	timeoutSec int
	client     *http.Client
}

// New creates a Provider. templateID selects the sandbox image;
// timeoutSec bounds the sandbox lifetime (default 900).
func New(apiKey, templateID, domain string, timeoutSec int) *Provider {
	if domain == "" {
		domain = defaultDomain
	}
	if timeoutSec <= 0 {
		timeoutSec = defaultTimeout
	}
	return &Provider{
		apiKey:     apiKey,
		templateID: templateID,
		domain:     domain,
		timeoutSec: timeoutSec,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
}

type createRequest struct {
	TemplateID string `json:"templateID"`
	Timeout    int    `json:"timeout"`
}

type createResponse struct {
	SandboxID string `json:"sandboxID"`
	ClientID  string `json:"clientID"`
}

// Create allocates a sandbox from the configured template.
func (p *Provider) Create(ctx context.Context) (sandbox.Instance, error) {
	body, err := json.Marshal(createRequest{TemplateID: p.templateID, Timeout: p.timeoutSec})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("https://api.%s/sandboxes", p.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.apiKey)

	var created createResponse
	if err := p.do(req, &created); err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	if created.SandboxID == "" {
		return nil, fmt.Errorf("e2b: create returned no sandbox id")
	}
	return &instance{
		id:       created.SandboxID,
		domain:   p.domain,
		apiKey:   p.apiKey,
		client:   p.client,
		provider: p,
	}, nil
}

func (p *Provider) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// instance is one live E2B sandbox.
type instance struct {
	id       string
	domain   string
	apiKey   string
	client   *http.Client
	provider *Provider
}

func (i *instance) ID() string            { return i.id }
func (i *instance) WorkspacePath() string { return workspacePath }

// Host returns the deterministic public host for a sandbox port.
func (i *instance) Host(_ context.Context, port int) (string, error) {
	return fmt.Sprintf("%d-%s.%s", port, i.id, i.domain), nil
}

// envdURL builds a URL against the sandbox's envd service.
func (i *instance) envdURL(path string, query url.Values) string {
	u := url.URL{
		Scheme:   "https",
		Host:     fmt.Sprintf("%d-%s.%s", envdPort, i.id, i.domain),
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (i *instance) ReadFile(ctx context.Context, path string) (string, error) {
	q := url.Values{"path": {path}, "username": {"user"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.envdURL("/files", q), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-Key", i.apiKey)

	resp, err := i.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return string(data), nil
}

func (i *instance) WriteFile(ctx context.Context, path, content string) error {
	q := url.Values{"path": {path}, "username": {"user"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.envdURL("/files", q),
		bytes.NewReader([]byte(content)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-API-Key", i.apiKey)
	return i.provider.do(req, nil)
}

type commandRequest struct {
	Command string `json:"cmd"`
	Timeout int    `json:"timeout"`
}

type commandResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// RunCommand executes a shell command inside the sandbox and waits for
// completion.
func (i *instance) RunCommand(ctx context.Context, command string, timeout time.Duration) (workspace.CommandResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	body, err := json.Marshal(commandRequest{Command: command, Timeout: int(timeout.Seconds())})
	if err != nil {
		return workspace.CommandResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.envdURL("/commands", nil),
		bytes.NewReader(body))
	if err != nil {
		return workspace.CommandResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", i.apiKey)

	var out commandResponse
	if err := i.provider.do(req, &out); err != nil {
		return workspace.CommandResult{}, fmt.Errorf("running command: %w", err)
	}
	return workspace.CommandResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

// Kill destroys the sandbox on the provider side.
func (i *instance) Kill(ctx context.Context) error {
	endpoint := fmt.Sprintf("https://api.%s/sandboxes/%s", i.domain, i.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", i.apiKey)
	return i.provider.do(req, nil)
}
