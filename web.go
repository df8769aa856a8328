// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
)

type WebServer struct {
	coordinators []*Coordinator
	byID         map[string]*Coordinator
	metrics      *Metrics
	health       *HealthReporter
	logger       *Logger
	server       *http.Server
}

func NewWebServer(coordinators []*Coordinator, metrics *Metrics, health *HealthReporter, port int, logger *Logger) *WebServer {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	ws := &WebServer{
		coordinators: coordinators,
		byID:         make(map[string]*Coordinator, len(coordinators)),
		metrics:      metrics,
		health:       health,
		logger:       logger.WithComponent("web"),
	}
	for _, c := range coordinators {
		ws.byID[c.Instance().ID] = c
	}

	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           ws.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}
	return ws
}

// Handler builds the routed, instrumented handler
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", ws.handleDashboard)
	mux.HandleFunc("GET /api/instances", ws.handleInstances)
	mux.HandleFunc("GET /api/instances/{id}", ws.handleInstance)
	mux.HandleFunc("GET /api/instances/{id}/sensors", ws.handleSensors)
	mux.HandleFunc("POST /api/instances/{id}/refresh", ws.handleRefresh)
	mux.HandleFunc("GET /healthz", ws.handleHealth)

	if ws.metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", ws.metrics.Handler())
	return ws.metrics.Instrument(mux)
}

func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.server.Addr)
	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (ws *WebServer) coordinator(w http.ResponseWriter, r *http.Request) (*Coordinator, bool) {
	id := r.PathValue("id")
	c, ok := ws.byID[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown instance %q", id))
		return nil, false
	}
	return c, true
}

func (ws *WebServer) statuses() []InstanceStatus {
	out := make([]InstanceStatus, 0, len(ws.coordinators))
	for _, c := range ws.coordinators {
		out = append(out, c.Status())
	}
	return out
}

func (ws *WebServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"instances": ws.statuses(),
	})
}

func (ws *WebServer) handleInstance(w http.ResponseWriter, r *http.Request) {
	c, ok := ws.coordinator(w, r)
	if !ok {
		return
	}
	data := c.Data()
	if data == nil {
		writeError(w, http.StatusServiceUnavailable, "no data yet")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (ws *WebServer) handleSensors(w http.ResponseWriter, r *http.Request) {
	c, ok := ws.coordinator(w, r)
	if !ok {
		return
	}
	sensors := c.Sensors()
	if sensors == nil {
		writeError(w, http.StatusServiceUnavailable, "no data yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"instance": c.Instance().ID,
		"sensors":  sensors,
	})
}

func (ws *WebServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := ws.coordinator(w, r)
	if !ok {
		return
	}
	if _, err := c.Refresh(r.Context()); err != nil {
		ws.logger.Warn("Manual refresh failed", "instance", c.Instance().ID, "error", err.Error())
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"refreshed": true,
		"status":    c.Status(),
	})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	serving := true
	if ws.health != nil {
		serving = ws.health.Serving()
	}
	status := http.StatusOK
	if !serving {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"serving":   serving,
		"version":   GetVersion(),
		"instances": ws.statuses(),
	})
}

type dashboardRow struct {
	Name       string
	Value      string
	Diagnostic bool
}

type dashboardInstance struct {
	Status  InstanceStatus
	Total   string
	Sensors []dashboardRow
}

func displayValue(v any, unit string) string {
	switch n := v.(type) {
	case nil:
		return "-"
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.3f %s", n, unit))
	}
	if unit == "" {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%v %s", v, unit)
}

func newDashboardInstance(c *Coordinator) dashboardInstance {
	st := c.Status()
	d := dashboardInstance{Status: st}
	if st.Total != nil {
		d.Total = displayValue(st.Total, st.Unit)
	}
	for _, s := range c.Sensors() {
		if s.Key == "raw" {
			continue
		}
		d.Sensors = append(d.Sensors, dashboardRow{
			Name:       s.Name,
			Value:      displayValue(s.State, s.Unit),
			Diagnostic: s.Category == CategoryDiagnostic,
		})
	}
	return d
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="cs">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta http-equiv="refresh" content="60">
    <title>eVodník</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            background: linear-gradient(135deg, #1e3c72 0%, #2a5298 100%);
            color: white;
            min-height: 100vh;
            padding: 20px;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        h1 { margin-bottom: 20px; }
        .card {
            background: rgba(255, 255, 255, 0.1);
            border-radius: 15px;
            padding: 20px;
            margin-bottom: 20px;
        }
        .total { font-size: 2.5em; font-weight: bold; margin: 10px 0; }
        .error { color: #f87171; }
        .ok { color: #4ade80; }
        table { width: 100%; border-collapse: collapse; margin-top: 10px; }
        td { padding: 6px 4px; border-bottom: 1px solid rgba(255, 255, 255, 0.1); }
        td.diag { opacity: 0.6; }
        footer { opacity: 0.6; font-size: 0.8em; }
    </style>
</head>
<body>
<div class="container">
    <h1>eVodník</h1>
    {{range .Instances}}
    <div class="card">
        <h2>{{.Status.Name}} <small>({{.Status.ID}})</small></h2>
        {{if .Status.Healthy}}<p class="ok">Online</p>{{else}}<p class="error">{{if .Status.LastError}}{{.Status.LastError}}{{else}}Čeká se na první data{{end}}</p>{{end}}
        {{with .Total}}<div class="total">{{.}}</div>{{end}}
        {{if .Status.LastSuccess}}<p>Aktualizováno: {{.Status.LastSuccess.Format "2006-01-02 15:04:05"}}</p>{{end}}
        <table>
            {{range .Sensors}}
            <tr><td{{if .Diagnostic}} class="diag"{{end}}>{{.Name}}</td><td>{{.Value}}</td></tr>
            {{end}}
        </table>
    </div>
    {{else}}
    <div class="card">Žádná zařízení</div>
    {{end}}
    <footer>evodnik {{.Version}}</footer>
</div>
</body>
</html>`))

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	page := struct {
		Instances []dashboardInstance
		Version   string
	}{Version: GetVersion()}
	for _, c := range ws.coordinators {
		page.Instances = append(page.Instances, newDashboardInstance(c))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, page); err != nil {
		ws.logger.Error("Failed to render dashboard", "error", err.Error())
	}
}
