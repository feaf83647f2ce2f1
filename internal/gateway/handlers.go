package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hkuds/sandboxd/internal/sandbox"
)

const maxBodyBytes = 1 << 20

const healthPingTimeout = 3 * time.Second

// SpawnRequest is the body of a spawn call.
type SpawnRequest struct {
	ChallengeID string `json:"challengeId"`
	Image       string `json:"image,omitempty"`
}

// ContainerRequest is the body of terminate and reset calls.
type ContainerRequest struct {
	ContainerID string `json:"containerId"`
}

// Response is the common envelope of every API response.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SpawnResponse is returned by a successful spawn.
type SpawnResponse struct {
	Response
	ContainerID string `json:"containerId"`
	IPAddress   string `json:"ipAddress,omitempty"`
}

// ListResponse is returned by the container listing.
type ListResponse struct {
	Response
	Containers []sandbox.Session `json:"containers"`
	Count      int               `json:"count"`
}

// HealthResponse is returned by the health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Engine  string `json:"engine"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	engine := "ok"
	if err := s.manager.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("Container engine unreachable")
		engine = "unreachable"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Message: "Sandbox bridge is running",
		Engine:  engine,
		Version: s.opts.Version,
	})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ChallengeID = strings.TrimSpace(req.ChallengeID)
	if req.ChallengeID == "" {
		writeError(w, http.StatusBadRequest, "challengeId is required")
		return
	}

	session, err := s.manager.Spawn(r.Context(), req.ChallengeID, strings.TrimSpace(req.Image))
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SpawnResponse{
		Response:    Response{Success: true, Message: "Container spawned successfully"},
		ContainerID: session.ContainerID,
		IPAddress:   session.IPAddress,
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	containerID, ok := readContainerID(w, r)
	if !ok {
		return
	}
	if err := s.manager.Terminate(r.Context(), containerID); err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Container terminated successfully"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	containerID, ok := readContainerID(w, r)
	if !ok {
		return
	}
	if err := s.manager.Reset(r.Context(), containerID); err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Container reset successfully"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	writeJSON(w, http.StatusOK, ListResponse{
		Response:   Response{Success: true},
		Containers: sessions,
		Count:      len(sessions),
	})
}

func readContainerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ContainerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	req.ContainerID = strings.TrimSpace(req.ContainerID)
	if req.ContainerID == "" {
		writeError(w, http.StatusBadRequest, "containerId is required")
		return "", false
	}
	return req.ContainerID, true
}

// writeManagerError maps manager errors onto HTTP status codes.
func (s *Server) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	if sandbox.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Container not found")
		return
	}
	s.log.WithError(err).WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"request_id": requestID(r),
	}).Error("Container operation failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Debug("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Error: message})
}
