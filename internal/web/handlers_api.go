package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"blinds-go-home/internal/cover"
)

const maxBodyBytes = 1 << 20

// blindView is the API representation of a cover.
type blindView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	Model    string `json:"model,omitempty"`
	Position uint8  `json:"position"`
	Target   uint8  `json:"target"`
	Motion   uint8  `json:"motion"`
	State    string `json:"state"`
}

func viewOf(d *cover.Device) blindView {
	st := d.Snapshot()
	return blindView{
		ID:       d.ID(),
		Name:     d.Name(),
		Address:  d.Address(),
		Model:    d.Model(),
		Position: st.CurrentPosition,
		Target:   st.TargetPosition,
		Motion:   uint8(st.Motion),
		State:    st.Motion.String(),
	}
}

func (s *Server) views(filter string) []blindView {
	devices := s.covers.List()
	out := make([]blindView, 0, len(devices))
	for _, d := range devices {
		if filter != "" && d.ID() != filter {
			continue
		}
		out = append(out, viewOf(d))
	}
	return out
}

// statusFor maps cover errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cover.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, cover.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, cover.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, cover.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAPIListBlinds(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.views(""))
}

func (s *Server) handleAPIGetBlind(w http.ResponseWriter, r *http.Request) {
	d, err := s.covers.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(d))
}

type setPositionRequest struct {
	Position *int `json:"position"`
}

func (s *Server) handleAPISetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req setPositionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.covers.SetTargetPosition(r.Context(), id, *req.Position); err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("set position", "id", id, "position", *req.Position, "err", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	d, err := s.covers.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusAccepted, viewOf(d))
}

type renameRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameBlind(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.FriendlyName) > 128 {
		s.writeError(w, http.StatusBadRequest, "friendly_name too long")
		return
	}

	if err := s.covers.Rename(id, req.FriendlyName); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("rename device", "id", id, "err", err)
			s.writeError(w, status, "internal server error")
			return
		}
		s.writeError(w, status, "device not found")
		return
	}

	d, err := s.covers.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(d))
}

func (s *Server) handleAPIForgetBlind(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.covers.Forget(id); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("forget device", "id", id, "err", err)
			s.writeError(w, status, "internal server error")
			return
		}
		s.writeError(w, status, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.covers.Profiles().All()
	if profiles == nil {
		profiles = []cover.Profile{}
	}
	s.writeJSON(w, http.StatusOK, profiles)
}
