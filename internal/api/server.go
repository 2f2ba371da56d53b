package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	"github.com/volumania/volumania/internal/autoscaler"
	"github.com/volumania/volumania/internal/version"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service is the autoscaler surface exposed over HTTP.
type Service interface {
	ListVolumes(ctx context.Context) ([]autoscaler.Volume, error)
	GetVolume(ctx context.Context, key types.NamespacedName) (autoscaler.Volume, error)
	ListPolicies(ctx context.Context) ([]autoscaler.Policy, error)
	GetPolicy(ctx context.Context, id string) (autoscaler.Policy, error)
	CreatePolicy(ctx context.Context, req autoscaler.Request) (autoscaler.CreateResult, error)
	DeletePolicy(ctx context.Context, id string) (bool, error)
	SetStatus(ctx context.Context, id string, status autoscaler.Status) (autoscaler.Policy, error)
}

// CreateResponse is the body of a successful policy creation.
type CreateResponse struct {
	Success    bool              `json:"success"`
	AutoScaler autoscaler.Policy `json:"autoScaler"`
	Warning    string            `json:"warning,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// StatusRequest changes a policy status.
type StatusRequest struct {
	Status autoscaler.Status `json:"status"`
}

// Server serves the REST API.
type Server struct {
	svc Service
	log logr.Logger
	now func() time.Time
}

func NewServer(svc Service, log logr.Logger) *Server {
	return &Server{svc: svc, log: log, now: time.Now}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pvcs", s.listVolumes)
	mux.HandleFunc("GET /api/pvcs/{namespace}/{name}", s.getVolume)
	mux.HandleFunc("GET /api/autoscalers", s.listPolicies)
	mux.HandleFunc("POST /api/autoscalers", s.createPolicy)
	mux.HandleFunc("GET /api/autoscalers/{id}", s.getPolicy)
	mux.HandleFunc("PATCH /api/autoscalers/{id}", s.setStatus)
	mux.HandleFunc("DELETE /api/autoscalers/{id}", s.deletePolicy)
	mux.HandleFunc("GET /api/health", s.health)
	return mux
}

func (s *Server) listVolumes(w http.ResponseWriter, r *http.Request) {
	vols, err := s.svc.ListVolumes(r.Context())
	if err != nil {
		s.fail(w, "Failed to fetch PVCs", err)
		return
	}
	writeJSON(w, http.StatusOK, vols)
}

func (s *Server) getVolume(w http.ResponseWriter, r *http.Request) {
	key := types.NamespacedName{Namespace: r.PathValue("namespace"), Name: r.PathValue("name")}
	vol, err := s.svc.GetVolume(r.Context(), key)
	if err != nil {
		s.fail(w, "PVC not found", err)
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	all, err := s.svc.ListPolicies(r.Context())
	if err != nil {
		s.fail(w, "Failed to fetch autoscalers", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req autoscaler.Request
	if err := decode(r, &req); err != nil {
		s.fail(w, "Invalid request data", err)
		return
	}
	res, err := s.svc.CreatePolicy(r.Context(), req)
	if err != nil {
		s.fail(w, "Failed to create autoscaler", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{Success: true, AutoScaler: res.Policy, Warning: res.Warning})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetPolicy(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "AutoScaler not found", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, "Invalid request data", err)
		return
	}
	p, err := s.svc.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		s.fail(w, "Failed to update autoscaler", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.svc.DeletePolicy(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "Failed to delete autoscaler", err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "AutoScaler not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Version:   version.AppVersion(),
	})
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(err, msg)
	}
	writeJSON(w, code, ErrorResponse{Error: msg, Details: err.Error()})
}

// StatusCode maps a service error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, errMalformedBody), errors.Is(err, autoscaler.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, autoscaler.ErrNotFound), errors.Is(err, autoscaler.ErrVolumeNotFound):
		return http.StatusNotFound
	case errors.Is(err, autoscaler.ErrDuplicateTarget):
		return http.StatusConflict
	case errors.Is(err, autoscaler.ErrClusterUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errMalformedBody = errors.New("malformed request body")

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Join(errMalformedBody, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
