package proxyregistry

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/portalloc"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestVSCodeDirector_RewritesPrefixAndAppendsTokenOnRootMismatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/code/", nil)
	vscodeDirector(req, "secret")

	if req.URL.Path != "/" {
		t.Fatalf("unexpected path: %s", req.URL.Path)
	}
	if req.URL.RawQuery != "tkn=secret" {
		t.Fatalf("expected tkn query on root mismatch, got %q", req.URL.RawQuery)
	}
}

func TestVSCodeDirector_MatchingCookieSkipsTokenQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/code/", nil)
	req.AddCookie(&http.Cookie{Name: vscodeTokenCookie, Value: "secret"})
	vscodeDirector(req, "secret")

	if req.URL.RawQuery != "" {
		t.Fatalf("expected no token query when cookie matches, got %q", req.URL.RawQuery)
	}
}

func TestVSCodeDirector_NonRootPathSkipsTokenQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/code/assets/app.js", nil)
	vscodeDirector(req, "secret")

	if req.URL.Path != "/vscode-direct/assets/app.js" {
		t.Fatalf("unexpected path: %s", req.URL.Path)
	}
	if req.URL.RawQuery != "" {
		t.Fatalf("expected no token query on non-root path, got %q", req.URL.RawQuery)
	}
}

func TestVSCodeModifyResponse_InterceptsForbiddenAfterMismatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/vscode-direct/", nil)
	req.Header.Set(vscodeMismatchHeader, "1")
	resp := &http.Response{StatusCode: http.StatusForbidden, Header: make(http.Header), Request: req}

	if err := vscodeModifyResponse(resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != vscodeIncomingPrefix {
		t.Fatalf("unexpected location: %s", resp.Header.Get("Location"))
	}
	if len(resp.Header.Values("Set-Cookie")) != 3 {
		t.Fatalf("expected 3 clearing cookies, got %d", len(resp.Header.Values("Set-Cookie")))
	}
}

func TestVSCodeModifyResponse_NormalisesCookiesOnSuccess(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/vscode-direct/", nil)
	resp := &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Request: req}
	resp.Header.Add("Set-Cookie", "vscode-tkn=abc; Domain=example.com; Path=/code")

	if err := vscodeModifyResponse(resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := resp.Header.Get("Set-Cookie")
	if got == "" {
		t.Fatal("expected a rewritten cookie")
	}
	if containsAttr(got, "Domain=") {
		t.Fatalf("expected Domain stripped: %s", got)
	}
	if !containsAttr(got, "Path=/") {
		t.Fatalf("expected Path=/ forced: %s", got)
	}
}

func containsAttr(header, attr string) bool {
	for _, part := range splitSemicolon(header) {
		if len(part) >= len(attr) && part[:len(attr)] == attr {
			return true
		}
	}
	return false
}

func splitSemicolon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}

func TestRStudioModifyResponse_StripsFrameOptionsAndRewritesCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://external/rstudio-direct/", nil)
	req.Host = "external"
	resp := &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Request: req}
	resp.Header.Set("X-Frame-Options", "DENY")
	resp.Header.Add("Set-Cookie", "rs-session=signedvalue; Path=/")

	fn := rstudioModifyResponse("127.0.0.1:9000")
	if err := fn(resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Header.Get("X-Frame-Options") != "" {
		t.Fatal("expected X-Frame-Options stripped")
	}
	cookie := resp.Header.Get("Set-Cookie")
	if !containsAttr(cookie, "rs-session=signedvalue") {
		t.Fatalf("expected cookie value preserved, got %s", cookie)
	}
	if !containsAttr(cookie, "Secure") {
		t.Fatalf("expected Secure added, got %s", cookie)
	}
}

func TestRewriteRStudioLocation_CollapsesAbsoluteAndPrefixesRelative(t *testing.T) {
	if got := rewriteRStudioLocation("http://127.0.0.1:9000/auth-sign-in", "127.0.0.1:9000", "external"); got != rstudioRootPath {
		t.Fatalf("expected collapse to root path, got %s", got)
	}
	if got := rewriteRStudioLocation("/auth-sign-in", "127.0.0.1:9000", "external"); got != rstudioRootPath+"/auth-sign-in" {
		t.Fatalf("expected prefixed relative path, got %s", got)
	}
}

func TestJupyterDirector_RewritesPrefixAndAppendsToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/jupyter/api/kernels", nil)
	jupyterDirector(req, "secret")

	if req.URL.Path != "/jupyter-direct/api/kernels" {
		t.Fatalf("unexpected path: %s", req.URL.Path)
	}
	if req.URL.Query().Get("token") != "secret" {
		t.Fatalf("expected token appended, got %q", req.URL.RawQuery)
	}
}

func TestJupyterDirector_PreservesExistingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/jupyter/api/kernels?token=already", nil)
	jupyterDirector(req, "secret")

	if req.URL.Query().Get("token") != "already" {
		t.Fatalf("expected existing token preserved, got %q", req.URL.Query().Get("token"))
	}
}

func TestRegistry_GetDetectsPortDrift(t *testing.T) {
	ports := portalloc.NewRegistry()
	reg := New(ports, testLogger())
	key := core.NewSessionKey("alice", "gemini", core.IDEVSCode)

	ports.Set(key, 9001)
	if _, err := reg.Create(key, core.IDEVSCode, 9001); err != nil {
		t.Fatalf("create: %v", err)
	}
	if reg.Get(key) == nil {
		t.Fatal("expected proxy to be found before drift")
	}

	ports.Set(key, 9002)
	if reg.Get(key) != nil {
		t.Fatal("expected proxy to be destroyed after port drift")
	}
	if reg.Get(key) != nil {
		t.Fatal("expected proxy to remain gone")
	}
}

func TestRegistry_ActivityCallbackFiresOnServeHTTP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	ports := portalloc.NewRegistry()
	reg := New(ports, testLogger())
	key := core.NewSessionKey("alice", "gemini", core.IDEJupyter)
	ports.Set(key, backendPort(backend.URL))

	p, err := reg.Create(key, core.IDEJupyter, backendPort(backend.URL))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fired := false
	reg.SetActivityCallback(func(k core.SessionKey) {
		if k == key {
			fired = true
		}
	})

	req := httptest.NewRequest(http.MethodGet, "http://example/jupyter/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if !fired {
		t.Fatal("expected activity callback to fire")
	}
}

func TestRegistry_ActivityCallbackFiresOnWebSocketOpenNotClose(t *testing.T) {
	var wsUpgraderBackend = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	holdOpen := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgraderBackend.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-holdOpen
	}))
	defer backend.Close()

	ports := portalloc.NewRegistry()
	reg := New(ports, testLogger())
	key := core.NewSessionKey("alice", "gemini", core.IDEJupyter)
	port := backendPort(backend.URL)
	ports.Set(key, port)

	p, err := reg.Create(key, core.IDEJupyter, port)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var mu sync.Mutex
	var fireCount int
	reg.SetActivityCallback(func(k core.SessionKey) {
		if k == key {
			mu.Lock()
			fireCount++
			mu.Unlock()
		}
	})

	srv := httptest.NewServer(http.HandlerFunc(p.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jupyter/"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := fireCount
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	n := fireCount
	mu.Unlock()
	if n == 0 {
		t.Fatal("expected activity callback to fire on socket open, while the socket is still held open")
	}

	close(holdOpen)
}

func backendPort(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(u.Port())
	return port
}
