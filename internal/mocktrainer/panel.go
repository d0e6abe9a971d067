package mocktrainer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Panel is the mock trainer's HTTP control panel.
type Panel struct {
	manager *Manager
	router  chi.Router
}

func NewPanel(manager *Manager) *Panel {
	p := &Panel{manager: manager}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", p.handleIndex)
	r.Get("/api/state", p.handleGetState)
	r.Post("/api/set", p.handleSet)
	r.Get("/api/writes", p.handleGetWrites)
	r.Post("/api/trigger-notification", p.handleTrigger)
	r.Post("/api/drop", p.handleDrop)
	p.router = r
	return p
}

func (p *Panel) Handler() http.Handler {
	return p.router
}

// ListenAndServe serves the panel on addr until ctx is cancelled.
func (p *Panel) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: p.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		p.manager.logger.Printf("MockTrainer: Control panel on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (p *Panel) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(indexHTML))
}

func (p *Panel) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.manager.device.State())
}

func (p *Panel) handleSet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var power int
	var cadence float64
	var err error
	if v := q.Get("riderPower"); v != "" {
		if power, err = strconv.Atoi(v); err != nil || power <= 0 {
			http.Error(w, "riderPower must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("cadence"); v != "" {
		if cadence, err = strconv.ParseFloat(v, 64); err != nil || cadence <= 0 {
			http.Error(w, "cadence must be positive", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("ackMode"); v != "" {
		if err := p.manager.device.SetAckMode(AckMode(v)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	p.manager.device.SetRider(power, cadence)
	writeJSON(w, http.StatusOK, p.manager.device.State())
}

func (p *Panel) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	writes := p.manager.device.WrittenValues()
	if writes == nil {
		writes = []WrittenValue{}
	}
	writeJSON(w, http.StatusOK, writes)
}

func (p *Panel) handleTrigger(w http.ResponseWriter, r *http.Request) {
	p.manager.device.TriggerAllNotifications()
	w.WriteHeader(http.StatusNoContent)
}

func (p *Panel) handleDrop(w http.ResponseWriter, r *http.Request) {
	p.manager.DropLink()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Mock Trainer Control</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 0 auto; padding: 20px; }
        .section { margin: 20px 0; padding: 15px; border: 1px solid #ccc; border-radius: 5px; }
        label { display: inline-block; width: 120px; }
        button { padding: 10px 20px; margin: 5px; cursor: pointer; }
        .status { padding: 10px; background: #e0e0e0; border-radius: 5px; white-space: pre; }
        #writes { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
    </style>
</head>
<body>
    <h1>Mock Trainer Control</h1>
    <div class="section">
        <h2>State</h2>
        <div id="state" class="status">Loading...</div>
    </div>
    <div class="section">
        <h2>Rider</h2>
        <div><label>Power:</label><input type="number" id="riderPower" min="1" max="2000" value="200"> W</div>
        <div><label>Cadence:</label><input type="number" id="cadence" min="1" max="200" value="90"> rpm</div>
        <div><label>Ack mode:</label>
            <select id="ackMode">
                <option>success</option><option>reject</option><option>silent</option><option>delayed</option>
            </select>
        </div>
        <button onclick="setValues()">Apply</button>
        <button onclick="post('/api/trigger-notification')">Send Telemetry</button>
        <button onclick="post('/api/drop')">Drop Link</button>
    </div>
    <div class="section">
        <h2>Control Point Writes</h2>
        <div id="writes">Loading...</div>
    </div>
    <script>
        function refresh() {
            fetch('/api/state').then(r => r.json()).then(s => {
                document.getElementById('state').textContent = JSON.stringify(s, null, 2);
            });
            fetch('/api/writes').then(r => r.json()).then(ws => {
                document.getElementById('writes').innerHTML = ws.map(w =>
                    '<div>' + new Date(w.timestamp).toLocaleTimeString() + ' ' + w.dataHex + ' ' + w.description + '</div>'
                ).reverse().join('') || 'No writes yet';
            });
        }
        function post(path) { fetch(path, {method: 'POST'}).then(refresh); }
        function setValues() {
            const params = new URLSearchParams({
                riderPower: document.getElementById('riderPower').value,
                cadence: document.getElementById('cadence').value,
                ackMode: document.getElementById('ackMode').value
            });
            post('/api/set?' + params);
        }
        refresh();
        setInterval(refresh, 2000);
    </script>
</body>
</html>`
