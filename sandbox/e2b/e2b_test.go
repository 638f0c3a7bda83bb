package e2b

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func testProvider(rt roundTripperFunc) *Provider {
	p := New("test-key", "react-template", "", 0)
	p.client = &http.Client{Transport: rt}
	return p
}

func TestCreateSandbox(t *testing.T) {
	var gotReq createRequest
	p := testProvider(func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost || r.URL.String() != "https://api.e2b.app/sandboxes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("missing API key header")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		return jsonResponse(200, `{"sandboxID":"abc123","clientID":"c1"}`), nil
	})

	inst, err := p.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.ID() != "abc123" {
		t.Errorf("id = %q", inst.ID())
	}
	if gotReq.TemplateID != "react-template" || gotReq.Timeout != 900 {
		t.Errorf("create request = %+v", gotReq)
	}
	if inst.WorkspacePath() != "/home/user/workspace" {
		t.Errorf("workspace = %q", inst.WorkspacePath())
	}
}

func TestCreateErrorSurfacesBody(t *testing.T) {
	p := testProvider(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(402, `{"message":"quota exceeded"}`), nil
	})
	_, err := p.Create(context.Background())
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Create error = %v, want provider body surfaced", err)
	}
}

func TestDeterministicHost(t *testing.T) {
	p := testProvider(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"sandboxID":"abc123"}`), nil
	})
	inst, err := p.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	host, err := inst.Host(context.Background(), 5173)
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	if host != "5173-abc123.e2b.app" {
		t.Errorf("host = %q, want 5173-abc123.e2b.app", host)
	}
}

func TestFileAndCommandEndpoints(t *testing.T) {
	var paths []string
	p := testProvider(func(r *http.Request) (*http.Response, error) {
		paths = append(paths, r.Method+" "+r.URL.String())
		switch {
		case r.URL.Path == "/sandboxes":
			return jsonResponse(200, `{"sandboxID":"abc123"}`), nil
		case r.Method == http.MethodGet && r.URL.Path == "/files":
			return jsonResponse(200, "file content"), nil
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			return jsonResponse(200, ""), nil
		case r.URL.Path == "/commands":
			return jsonResponse(200, `{"stdout":"ok","stderr":"","exit_code":0}`), nil
		case r.Method == http.MethodDelete:
			return jsonResponse(204, ""), nil
		}
		t.Fatalf("unexpected request: %s %s", r.Method, r.URL)
		return nil, nil
	})

	ctx := context.Background()
	inst, err := p.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	content, err := inst.ReadFile(ctx, "/home/user/workspace/src/App.tsx")
	if err != nil || content != "file content" {
		t.Errorf("ReadFile = %q, %v", content, err)
	}
	if err := inst.WriteFile(ctx, "/home/user/workspace/a.txt", "x"); err != nil {
		t.Errorf("WriteFile: %v", err)
	}
	res, err := inst.RunCommand(ctx, "echo hi", 10*time.Second)
	if err != nil || res.Stdout != "ok" || res.ExitCode != 0 {
		t.Errorf("RunCommand = %+v, %v", res, err)
	}
	if err := inst.Kill(ctx); err != nil {
		t.Errorf("Kill: %v", err)
	}

	for _, want := range []string{
		"GET https://49983-abc123.e2b.app/files?path=%2Fhome%2Fuser%2Fworkspace%2Fsrc%2FApp.tsx&username=user",
		"DELETE https://api.e2b.app/sandboxes/abc123",
	} {
		found := false
		for _, got := range paths {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing request %q in %v", want, paths)
		}
	}
}
