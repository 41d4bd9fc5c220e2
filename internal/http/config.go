package http

import (
	"encoding/json"
	"net/http"

	"github.com/flurbudurbur/Quill/internal/config"
	"github.com/flurbudurbur/Quill/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type configJson struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	LogLevel       string `json:"log_level"`
	LogPath        string `json:"log_path"`
	LogMaxSize     int    `json:"log_max_size"`
	LogMaxBackups  int    `json:"log_max_backups"`
	BaseURL        string `json:"base_url"`
	RemoteURL      string `json:"remote_url"`
	PageSize       int    `json:"page_size"`
	StaleTime      string `json:"stale_time"`
	SessionBackend string `json:"session_backend"`
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	Date           string `json:"date"`
}

// levelSetter applies a log level at runtime.
type levelSetter interface {
	SetLogLevel(level string)
}

type configHandler struct {
	encoder encoder

	cfg    *config.AppConfig
	server Server
	levels levelSetter
}

func newConfigHandler(encoder encoder, server Server, cfg *config.AppConfig, levels levelSetter) *configHandler {
	return &configHandler{
		encoder: encoder,
		cfg:     cfg,
		server:  server,
		levels:  levels,
	}
}

func (h configHandler) Routes(r chi.Router) {
	r.Get("/", h.getConfig)
	r.Patch("/", h.updateConfig)
}

func (h configHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	c := h.cfg.Current()

	render.JSON(w, r, configJson{
		Host:           c.Server.Host,
		Port:           c.Server.Port,
		LogLevel:       c.Logging.Level,
		LogPath:        c.Logging.Path,
		LogMaxSize:     c.Logging.MaxFileSize,
		LogMaxBackups:  c.Logging.MaxBackupCount,
		BaseURL:        c.Server.BaseURL,
		RemoteURL:      c.Remote.BaseURL,
		PageSize:       c.Cache.PageSize,
		StaleTime:      c.Cache.StaleTime.String(),
		SessionBackend: c.Session.Backend,
		Version:        h.server.version,
		Commit:         h.server.commit,
		Date:           h.server.date,
	})
}

// updateConfig applies changes in memory only; config.toml is left untouched.
func (h configHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var data domain.ConfigUpdate

	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.encoder.Error(w, err)
		return
	}

	h.cfg.UpdateConfig(data)

	if data.LogLevel != nil && h.levels != nil {
		h.levels.SetLogLevel(*data.LogLevel)
	}

	render.NoContent(w, r)
}
