package proxyregistry

import "net/http"

const (
	jupyterIncomingPrefix = "/jupyter/"
	jupyterUpstreamPrefix = "/jupyter-direct/"
)

// jupyterDirector rewrites "/jupyter/..." to "/jupyter-direct/..." and
// appends "?token=<token>" when the request carries none, since
// Jupyter authenticates purely via query-string token.
func jupyterDirector(req *http.Request, token string) {
	if len(req.URL.Path) >= len(jupyterIncomingPrefix) && req.URL.Path[:len(jupyterIncomingPrefix)] == jupyterIncomingPrefix {
		req.URL.Path = jupyterUpstreamPrefix + req.URL.Path[len(jupyterIncomingPrefix):]
	}

	q := req.URL.Query()
	if q.Get("token") == "" && token != "" {
		q.Set("token", token)
		req.URL.RawQuery = q.Encode()
	}
}
