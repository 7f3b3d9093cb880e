package livereload

import (
	"fmt"
	"net/http"
)

// ClientScript is a format string taking the websocket path. It connects
// to the hub and reloads the page on every reload message. When the
// connection drops it retries and reloads once the dev server is back, so
// a restart also refreshes the page.
const ClientScript = `(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var url = proto + location.host + "%s";
  var wasConnected = false;
  function connect() {
    var ws = new WebSocket(url);
    ws.onmessage = function (event) {
      var msg = JSON.parse(event.data);
      if (msg.type === "connected" && wasConnected) {
        location.reload();
      }
      if (msg.type === "connected") {
        wasConnected = true;
      }
      if (msg.type === "reload") {
        location.reload();
      }
    };
    ws.onclose = function () {
      setTimeout(connect, 1000);
    };
  }
  connect();
})();
`

// ScriptHandler serves ClientScript pointing at the websocket path.
func ScriptHandler(wsPath string) http.HandlerFunc {
	body := []byte(fmt.Sprintf(ClientScript, wsPath))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(body)
	}
}
