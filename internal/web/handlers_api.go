package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"droidcast/internal/scrcpy"
	"droidcast/internal/session"
	"droidcast/internal/store"
)

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"devices_connected": s.registry.ConnectedCount(),
		"sessions":          len(s.sessions.List()),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// deviceView joins the live registry state with stored metadata.
type deviceView struct {
	Serial         string `json:"serial"`
	State          string `json:"state"`
	Transport      string `json:"transport"`
	Model          string `json:"model,omitempty"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	AndroidVersion string `json:"android_version,omitempty"`
	FriendlyName   string `json:"friendly_name,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.ListDevices()
	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.enrichDevice(dev.Serial))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if _, ok := s.registry.GetDevice(serial); !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.enrichDevice(serial))
}

func (s *Server) enrichDevice(serial string) deviceView {
	v := deviceView{Serial: serial}
	if dev, ok := s.registry.GetDevice(serial); ok {
		v.State = string(dev.State)
		v.Transport = dev.Transport
		v.Model = dev.Model
		v.Manufacturer = dev.Manufacturer
		v.AndroidVersion = dev.AndroidVersion
		v.Width = dev.Resolution.Width
		v.Height = dev.Resolution.Height
	}
	if stored, err := s.store.GetDevice(serial); err == nil {
		v.FriendlyName = stored.FriendlyName
		if v.Model == "" {
			v.Model = stored.Model
		}
	}
	return v
}

func (s *Server) handleAPIConnectDevice(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if _, err := s.registry.GetOrConnect(r.Context(), serial); err != nil {
		s.logger.Warn("connect device", "serial", serial, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.enrichDevice(serial))
}

func (s *Server) handleAPIDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if err := s.registry.Disconnect(serial); err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.store.UpdateDevice(serial, func(dev *store.Device) error {
		dev.FriendlyName = req.FriendlyName
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("rename device", "serial", serial, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleAPIGetSession(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	sup, err := s.sessions.Get(serial)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no session for device")
		return
	}
	s.writeJSON(w, http.StatusOK, sup.Status())
}

func (s *Server) handleAPIStartSession(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")

	var overrides scrcpy.Overrides
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sup, err := s.sessions.Start(r.Context(), serial, overrides)
	if err != nil {
		var verr *scrcpy.ValidationError
		switch {
		case errors.As(err, &verr):
			s.writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, session.ErrSessionConflict):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Warn("start session", "serial", serial, "err", err)
			s.writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, sup.Status())
}

func (s *Server) handleAPIStopSession(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	// Stop is idempotent: a serial with no session stops successfully.
	if err := s.sessions.Stop(r.Context(), serial); err != nil {
		s.logger.Error("stop session", "serial", serial, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
