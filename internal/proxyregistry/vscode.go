package proxyregistry

import (
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	vscodeTokenCookie       = "vscode-tkn"
	vscodeMismatchHeader    = "X-Broker-Vscode-Mismatch"
	vscodeIncomingPrefix    = "/code/"
	vscodeUpstreamPrefix    = "/vscode-direct/"
)

// vscodeDirector rewrites the incoming "/code/..." path to
// "/vscode-direct/...". When the request carries no vscode-tkn cookie
// or one mismatching the session's token, and the (rewritten) target
// path is the VS Code root, the request is forwarded with
// "?tkn=<token>" so code-server's own token auth passes it straight
// through.
func vscodeDirector(req *http.Request, token string) {
	if strings.HasPrefix(req.URL.Path, vscodeIncomingPrefix) {
		req.URL.Path = vscodeUpstreamPrefix + strings.TrimPrefix(req.URL.Path, vscodeIncomingPrefix)
	}

	root := strings.TrimSuffix(vscodeUpstreamPrefix, "/")
	isRoot := strings.TrimSuffix(req.URL.Path, "/") == root

	cookie, err := req.Cookie(vscodeTokenCookie)
	mismatch := token != "" && (err != nil || cookie.Value != token)

	if mismatch && isRoot {
		req.URL.Path = "/"
		req.URL.RawQuery = "tkn=" + url.QueryEscape(token)
		req.Header.Set(vscodeMismatchHeader, "1")
	}
}

// vscodeModifyResponse intercepts a 403 that followed a token
// mismatch: stale cookies otherwise send the browser into a hard
// 403 loop. Every other response has its Set-Cookie attributes
// normalised to Path=/ with no Domain restriction.
func vscodeModifyResponse(resp *http.Response) error {
	mismatch := resp.Request.Header.Get(vscodeMismatchHeader) == "1"
	resp.Request.Header.Del(vscodeMismatchHeader)

	if resp.StatusCode == http.StatusForbidden && mismatch {
		resp.Header = make(http.Header)
		resp.Header.Add("Set-Cookie", vscodeTokenCookie+"=; Path=/; Max-Age=0")
		resp.Header.Add("Set-Cookie", "vscode-secret-key-path=; Path=/; Max-Age=0")
		resp.Header.Add("Set-Cookie", "vscode-cli-secret-half=; Path=/; Max-Age=0")
		resp.Header.Set("Location", vscodeIncomingPrefix)
		resp.StatusCode = http.StatusFound
		resp.Status = "302 Found"
		resp.Body = io.NopCloser(strings.NewReader(""))
		resp.ContentLength = 0
		return nil
	}

	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) == 0 {
		return nil
	}
	resp.Header.Del("Set-Cookie")
	for _, c := range cookies {
		resp.Header.Add("Set-Cookie", forcePathRoot(stripDomain(c)))
	}
	return nil
}

func stripDomain(cookie string) string {
	parts := strings.Split(cookie, ";")
	out := parts[:0]
	for _, p := range parts {
		if strings.HasPrefix(strings.TrimSpace(p), "Domain=") {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ";")
}

func forcePathRoot(cookie string) string {
	parts := strings.Split(cookie, ";")
	found := false
	for i, p := range parts {
		if strings.HasPrefix(strings.TrimSpace(p), "Path=") {
			parts[i] = " Path=/"
			found = true
		}
	}
	if !found {
		parts = append(parts, " Path=/")
	}
	return strings.Join(parts, ";")
}
