// Package management implements the admin HTTP surface (spec component M):
// a small net/http.ServeMux exposing runtime status, metrics, the blocking
// flag, the exclusion list, custom filter rules, the filter-list catalogue
// and a server-sent-events feed of per-request outcomes.
//
// Endpoints:
//
//	GET  /status          - engine health, uptime, listening ports
//	GET  /metrics         - JSON metrics snapshot
//	POST /blocking        - {"enabled": bool}
//	GET  /exclusions      - current exclusion list
//	PUT  /exclusions      - replace the exclusion list
//	GET  /custom-filters  - current custom rule text
//	PUT  /custom-filters  - replace custom rule text (triggers a rebuild)
//	GET  /filters         - current filter list catalogue
//	POST /filters         - add a list, or toggle enabled on an existing one
//	DELETE /filters       - remove a list by file_name
//	GET  /events          - SSE stream of request/block/modify/exception events
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"privaxy-go/internal/config"
	"privaxy-go/internal/engine"
	"privaxy-go/internal/events"
	"privaxy-go/internal/exclusion"
	"privaxy-go/internal/filtercache"
	"privaxy-go/internal/logger"
	"privaxy-go/internal/metrics"
	"privaxy-go/internal/updater"
)

// Server is the management API server.
type Server struct {
	mu  sync.Mutex // serializes config mutation + persistence across handlers
	cfg *config.Configuration

	exclusions *exclusion.Store
	blocking   *engine.Flag
	metrics    *metrics.Metrics
	updater    *updater.Updater
	broadcast  *events.Broadcaster
	log        *logger.Logger

	token     string // bearer token for auth; empty = no auth
	startTime time.Time
}

// New creates a management server wired to the shared runtime state.
func New(cfg *config.Configuration, exclusions *exclusion.Store, blocking *engine.Flag, m *metrics.Metrics, upd *updater.Updater, broadcast *events.Broadcaster, log *logger.Logger, token string) *Server {
	s := &Server{
		cfg:        cfg,
		exclusions: exclusions,
		blocking:   blocking,
		metrics:    m,
		updater:    upd,
		broadcast:  broadcast,
		log:        log,
		token:      token,
		startTime:  time.Now(),
	}
	if s.token != "" {
		s.log.Info("auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/blocking", s.handleBlocking)
	mux.HandleFunc("/exclusions", s.handleExclusions)
	mux.HandleFunc("/custom-filters", s.handleCustomFilters)
	mux.HandleFunc("/filters", s.handleFilters)
	mux.HandleFunc("/events", s.handleEvents)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status         string `json:"status"`
		Uptime         string `json:"uptime"`
		ProxyPort      int    `json:"proxyPort"`
		WebPort        int    `json:"webPort"`
		BlockingActive bool   `json:"blockingActive"`
	}

	s.mu.Lock()
	proxyPort, webPort := s.cfg.Network.ProxyPort, s.cfg.Network.WebPort
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, response{
		Status:         "running",
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort:      int(proxyPort),
		WebPort:        int(webPort),
		BlockingActive: s.blocking.Enabled(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleBlocking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: need {\"enabled\":bool}", http.StatusBadRequest)
		return
	}
	s.blocking.SetEnabled(req.Enabled)
	s.log.Infof("blocking_toggle", "blocking enabled=%v", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleExclusions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.exclusions.All())
	case http.MethodPut:
		var hosts []string
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&hosts); err != nil {
			http.Error(w, "invalid request: need a JSON array of hosts", http.StatusBadRequest)
			return
		}
		s.exclusions.Replace(hosts)

		s.mu.Lock()
		err := s.cfg.SetExclusions(hosts)
		s.mu.Unlock()
		if err != nil {
			s.log.Errorf("exclusions_persist", "%v", err)
			http.Error(w, "failed to persist exclusions", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, hosts)
	default:
		http.Error(w, "GET or PUT only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCustomFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		lines := append([]string(nil), s.cfg.CustomFilters...)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, strings.Join(lines, "\n")) //nolint:errcheck
	case http.MethodPut:
		r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
		buf := new(strings.Builder)
		if _, err := buf.ReadFrom(r.Body); err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		lines := splitNonEmptyLines(buf.String())

		s.mu.Lock()
		err := s.cfg.SetCustomFilters(lines)
		s.mu.Unlock()
		if err != nil {
			s.log.Errorf("custom_filters_persist", "%v", err)
			http.Error(w, "failed to persist custom filters", http.StatusInternalServerError)
			return
		}
		s.updater.SetCustomRules(strings.Join(lines, "\n"))
		writeJSON(w, http.StatusOK, lines)
	default:
		http.Error(w, "GET or PUT only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		filters := append([]config.Filter(nil), s.cfg.Filters...)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, filters)

	case http.MethodPost:
		var req struct {
			FileName string `json:"file_name"`
			Enabled  *bool  `json:"enabled"`
			Title    string `json:"title"`
			Group    string `json:"group"`
			URL      string `json:"url"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4096)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if req.FileName != "" && req.Enabled != nil {
			ok, err := s.cfg.SetFilterEnabled(req.FileName, *req.Enabled)
			if err != nil {
				s.log.Errorf("filters_persist", "%v", err)
				http.Error(w, "failed to persist filter state", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "unknown file_name", http.StatusNotFound)
				return
			}
			s.syncUpdaterLocked()
			writeJSON(w, http.StatusOK, map[string]string{"file_name": req.FileName})
			return
		}

		if req.URL == "" || req.Title == "" {
			http.Error(w, "need either {file_name, enabled} to toggle or {url, title, group} to add", http.StatusBadRequest)
			return
		}
		f := config.Filter{
			Enabled:  true,
			Title:    req.Title,
			Group:    req.Group,
			FileName: filtercache.FileName(req.URL),
			URL:      req.URL,
		}
		if err := s.cfg.AddFilter(f); err != nil {
			s.log.Errorf("filters_persist", "%v", err)
			http.Error(w, "failed to persist new filter", http.StatusInternalServerError)
			return
		}
		s.syncUpdaterLocked()
		writeJSON(w, http.StatusOK, f)

	case http.MethodDelete:
		fileName := r.URL.Query().Get("file_name")
		if fileName == "" {
			http.Error(w, "file_name query parameter required", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		ok, err := s.cfg.RemoveFilter(fileName)
		if err == nil && ok {
			s.syncUpdaterLocked()
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Errorf("filters_persist", "%v", err)
			http.Error(w, "failed to persist filter removal", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "unknown file_name", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"removed": fileName})

	default:
		http.Error(w, "GET, POST or DELETE only", http.StatusMethodNotAllowed)
	}
}

// syncUpdaterLocked pushes the current filter catalogue to the updater,
// triggering an immediate rebuild. Caller must hold s.mu.
func (s *Server) syncUpdaterLocked() {
	lists := make([]updater.FilterList, 0, len(s.cfg.Filters))
	for _, f := range s.cfg.Filters {
		lists = append(lists, updater.FilterList{
			Enabled:  f.Enabled,
			Title:    f.Title,
			Group:    f.Group,
			FileName: f.FileName,
			URL:      f.URL,
		})
	}
	s.updater.SetLists(lists)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.broadcast.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func splitNonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ListenAndServe starts the management HTTP server on the configured web port.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	addr := fmt.Sprintf("%s:%d", s.cfg.Network.BindAddr, s.cfg.Network.WebPort)
	s.mu.Unlock()

	s.log.Infof("listen", "management API listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
