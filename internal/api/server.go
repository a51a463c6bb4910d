package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shelftag/internal/config"
	"shelftag/internal/history"
	"shelftag/internal/metrics"
	"shelftag/internal/model"
)

// StatsFunc returns a JSON-encodable view of one component.
type StatsFunc func() any

// Journal is the persistent cycle journal, when enabled.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]model.CycleRecord, error)
}

type Deps struct {
	Config    *config.Config
	Stats     map[string]StatsFunc
	History   *history.Store
	Sightings *metrics.Store
	Journal   Journal
	Version   string
}

type Server struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

type statusResponse struct {
	Status      string         `json:"status"`
	Time        string         `json:"time"`
	Uptime      string         `json:"uptime"`
	Version     string         `json:"version"`
	Acquisition acquisitionCfg `json:"acquisition"`
	UWB         uwbCfg         `json:"uwb"`
	Anchors     anchorsCfg     `json:"anchors"`
	Link        linkCfg        `json:"link"`
	Journal     journalCfg     `json:"journal"`
	Components  map[string]any `json:"components"`
}

type acquisitionCfg struct {
	Driver         string `json:"driver"`
	PollIterations int    `json:"poll_iterations"`
	MaxTags        int    `json:"max_tags"`
}

type uwbCfg struct {
	Enabled       bool   `json:"enabled"`
	Port          string `json:"port"`
	SessionBuffer int    `json:"session_buffer"`
}

type anchorsCfg struct {
	Capacity        int    `json:"capacity"`
	FreshnessWindow string `json:"freshness_window"`
}

type linkCfg struct {
	Driver            string   `json:"driver"`
	Brokers           []string `json:"brokers"`
	DataTopic         string   `json:"data_topic"`
	ControlTopic      string   `json:"control_topic"`
	ReconnectInterval string   `json:"reconnect_interval"`
}

type journalCfg struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if deps.History == nil {
		deps.History = history.NewStore(0)
	}
	if deps.Sightings == nil {
		deps.Sightings = metrics.NewStore(0)
	}
	return &Server{deps: deps, logger: logger, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/cycles", s.handleCycles)
	mux.HandleFunc("/sightings", s.handleSightings)
	mux.HandleFunc("/sightings/", s.handleSightings)
	mux.HandleFunc("/admin/clear", s.handleClear)
	return mux
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, deps Deps, logger *slog.Logger) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.deps.Config
	components := make(map[string]any, len(s.deps.Stats))
	for name, fn := range s.deps.Stats {
		if fn != nil {
			components[name] = fn()
		}
	}
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Version: s.deps.Version,
		Acquisition: acquisitionCfg{
			Driver:         cfg.Acquisition.Driver,
			PollIterations: cfg.Acquisition.PollIterations,
			MaxTags:        cfg.Acquisition.MaxTags,
		},
		UWB: uwbCfg{
			Enabled:       cfg.UWB.Enabled,
			Port:          cfg.UWB.Serial.Port,
			SessionBuffer: cfg.UWB.SessionBuffer,
		},
		Anchors: anchorsCfg{
			Capacity:        cfg.Anchors.Capacity,
			FreshnessWindow: cfg.Anchors.FreshnessWindow.String(),
		},
		Link: linkCfg{
			Driver:            cfg.Link.Driver,
			Brokers:           cfg.Link.Brokers,
			DataTopic:         cfg.Link.Topics.Data,
			ControlTopic:      cfg.Link.Topics.Control,
			ReconnectInterval: cfg.Link.ReconnectInterval.String(),
		},
		Journal:    journalCfg{Enabled: cfg.Journal.Enabled, Driver: cfg.Journal.Driver},
		Components: components,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCycles serves recent cycle outcomes: from the persistent journal
// with source=journal, otherwise from memory.
func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.CycleRecord
	switch {
	case r.URL.Query().Get("source") == "journal":
		if s.deps.Journal == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		recent, err := s.deps.Journal.Recent(r.Context(), limit)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("journal query failed", "err", err)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		list = recent
	case r.URL.Query().Get("since") != "":
		ts, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.history().Since(ts)
	default:
		list = s.history().List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycles": list,
		"count":  len(list),
	})
}

func (s *Server) handleSightings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	store := s.sightings()
	path := strings.TrimPrefix(r.URL.Path, "/sightings")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		kind, id, ok := strings.Cut(path, "/")
		if !ok || id == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		v, found := store.Get(kind, id)
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, v)
		return
	}
	list := store.List(r.URL.Query().Get("kind"))
	writeJSON(w, http.StatusOK, map[string]any{
		"sightings": list,
		"count":     len(list),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.history().Clear()
		s.sightings().Clear()
	case "cycles", "history":
		s.history().Clear()
	case "sightings":
		s.sightings().Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) history() *history.Store { return s.deps.History }

func (s *Server) sightings() *metrics.Store { return s.deps.Sightings }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
