package proxyregistry

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebSocket upgrades the client connection, dials the same
// path/query against the backend port, and relays frames in both
// directions until either side closes. It follows the same
// path-prefix routing as the HTTP director and requires a running
// session (the proxy only exists while one is registered).
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	path, rawQuery := r.URL.Path, r.URL.RawQuery
	switch p.IDE {
	case "vscode":
		path = strings.Replace(path, vscodeIncomingPrefix, vscodeUpstreamPrefix, 1)
	case "jupyter":
		if strings.HasPrefix(path, jupyterIncomingPrefix) {
			path = jupyterUpstreamPrefix + strings.TrimPrefix(path, jupyterIncomingPrefix)
		}
	}

	backendURL := "ws://127.0.0.1:" + strconv.Itoa(p.Port) + path
	if rawQuery != "" {
		backendURL += "?" + rawQuery
	}

	backendConn, _, err := websocket.DefaultDialer.Dial(backendURL, nil)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer backendConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	// Report activity now: the relay below blocks for the life of the
	// socket, so waiting for it to return would only notify on close.
	p.registry.notifyActivity(p.Key)

	var wg sync.WaitGroup
	wg.Add(2)
	go relayWS(&wg, clientConn, backendConn)
	go relayWS(&wg, backendConn, clientConn)
	wg.Wait()
}

func relayWS(wg *sync.WaitGroup, dst, src *websocket.Conn) {
	defer wg.Done()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && err != io.EOF {
				_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
