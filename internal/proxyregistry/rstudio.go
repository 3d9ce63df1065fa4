package proxyregistry

import (
	"net/http"
	"net/url"
	"strings"
)

const rstudioRootPath = "/rstudio-direct"

// rstudioDirector tells the RStudio Server backend what external
// path prefix it is being served under.
func rstudioDirector(req *http.Request) {
	req.Header.Set("X-RStudio-Root-Path", rstudioRootPath)
}

// rstudioModifyResponse strips X-Frame-Options so the editor can be
// embedded in an iframe, rewrites every Set-Cookie to live under the
// proxied path without touching the (signed) cookie value, and
// collapses Location headers that point at either the loopback
// backend or the external host back onto the proxied prefix.
func rstudioModifyResponse(loopbackHost string) func(*http.Response) error {
	return func(resp *http.Response) error {
		resp.Header.Del("X-Frame-Options")

		cookies := resp.Header.Values("Set-Cookie")
		if len(cookies) > 0 {
			resp.Header.Del("Set-Cookie")
			for _, c := range cookies {
				resp.Header.Add("Set-Cookie", rewriteRStudioCookie(c))
			}
		}

		if loc := resp.Header.Get("Location"); loc != "" {
			resp.Header.Set("Location", rewriteRStudioLocation(loc, loopbackHost, resp.Request.Host))
		}
		return nil
	}
}

func rewriteRStudioCookie(cookie string) string {
	parts := strings.Split(cookie, ";")
	nameValue := parts[0]
	attrs := make([]string, 0, len(parts))
	hasSecure, hasSameSite := false, false

	for _, p := range parts[1:] {
		trimmed := strings.TrimSpace(p)
		switch {
		case strings.HasPrefix(trimmed, "Path="):
			continue // replaced below
		case strings.EqualFold(trimmed, "Secure"):
			hasSecure = true
			attrs = append(attrs, p)
		case strings.HasPrefix(trimmed, "SameSite="):
			hasSameSite = true
			attrs = append(attrs, p)
		default:
			attrs = append(attrs, p)
		}
	}

	out := []string{nameValue, " Path=" + rstudioRootPath}
	out = append(out, attrs...)
	if !hasSecure {
		out = append(out, " Secure")
	}
	if !hasSameSite {
		out = append(out, " SameSite=None")
	}
	return strings.Join(out, ";")
}

// rewriteRStudioLocation collapses an absolute URL pointing at the
// loopback backend or the externally-facing host down to the proxied
// prefix, and prefixes bare root-relative locations with it.
func rewriteRStudioLocation(location, loopbackHost, externalHost string) string {
	if u, err := url.Parse(location); err == nil && u.IsAbs() {
		if u.Host == loopbackHost || u.Host == externalHost {
			return rstudioRootPath
		}
		return location
	}
	if strings.HasPrefix(location, "/") {
		return rstudioRootPath + location
	}
	return location
}
