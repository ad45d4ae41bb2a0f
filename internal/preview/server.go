package preview

import (
	"context"
	"net/http"

	"golang.org/x/net/websocket"

	"github.com/jward/lectern/internal/logging"
	"github.com/jward/lectern/internal/metrics"
)

// Handler serves viewer sessions over a websocket. Every connection is one
// session; it receives Message values as JSON and may send ClientMessage
// values back.
func (h *Hub) Handler() http.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		defer conn.Close()
		sess := h.Attach()
		defer h.Detach(sess.ID())

		ctx, cancel := context.WithCancel(conn.Request().Context())
		defer cancel()

		go func() {
			defer cancel()
			for {
				var m ClientMessage
				if err := websocket.JSON.Receive(conn, &m); err != nil {
					return
				}
				if err := sess.Handle(m); err != nil {
					h.log.Debug("viewer message rejected", logging.Err(err))
				}
			}
		}()

		for {
			msg, err := sess.Next(ctx)
			if err != nil {
				return
			}
			if err := websocket.JSON.Send(conn, msg); err != nil {
				h.log.Debug("viewer send failed", logging.String("session", sess.ID().String()), logging.Err(err))
				return
			}
		}
	})
}

// NewMux routes the viewer page, its websocket and the metrics endpoint.
func NewMux(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(viewerPage))
	})
	return mux
}

const viewerPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>lectern preview</title>
<style>body{background:#888;margin:0}div.frame{background:#fff;margin:12px auto;box-shadow:0 1px 4px #333}</style>
</head>
<body>
<main id="frames"></main>
<script>
const root = document.getElementById("frames");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
function node(f) {
  const d = document.createElement("div");
  d.className = "frame";
  d.style.width = f.width + "px";
  d.innerHTML = f.svg;
  d.addEventListener("click", e => {
    const i = Array.prototype.indexOf.call(root.children, d);
    const r = d.getBoundingClientRect();
    ws.send(JSON.stringify({type: "jump", frame: i, x: e.clientX - r.left, y: e.clientY - r.top}));
  });
  return d;
}
ws.onmessage = ev => {
  const m = JSON.parse(ev.data);
  if (m.type === "frames") {
    if (m.full) root.replaceChildren();
    for (const op of m.ops || []) {
      const at = root.children[op.index];
      if (op.op === "replace") root.replaceChild(node(op.frame), at);
      else if (op.op === "insert") root.insertBefore(node(op.frame), at || null);
      else if (op.op === "remove") root.removeChild(at);
    }
  } else if (m.type === "scroll" && m.scroll) {
    const f = root.children[m.scroll.frame];
    if (f) window.scrollTo(0, f.offsetTop + m.scroll.y - 40);
  }
};
</script>
</body>
</html>
`
