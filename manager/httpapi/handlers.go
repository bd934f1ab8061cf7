package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/labipam/labipam/api"
	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/manager/allocator/errors"
)

type labRequest struct {
	Name    string `json:"name"`
	LabUID  string `json:"lab_uid"`
	Cluster string `json:"cluster"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type allocationResponse struct {
	Name        string            `json:"name"`
	Cluster     string            `json:"cluster"`
	Subnet      string            `json:"subnet"`
	Network     string            `json:"network"`
	Addresses   []string          `json:"addresses"`
	Allocation  map[string]string `json:"allocation"`
	EnvVars     map[string]string `json:"env_vars"`
	AllocatedAt time.Time         `json:"allocated_at"`
	Status      string            `json:"status"`
}

type protectedRange struct {
	First string `json:"first"`
	Last  string `json:"last"`
	Kind  string `json:"kind"`
}

type protectedResponse struct {
	Network                string           `json:"network_cidr"`
	ProtectedRanges        []protectedRange `json:"protected_ranges"`
	TotalProtectedIPs      uint64           `json:"total_protected_ips"`
	AvailableForAllocation uint64           `json:"available_for_allocation"`
}

func newAllocationResponse(a *api.Allocation) allocationResponse {
	env := a.Env()
	resp := allocationResponse{
		Name:        a.LabUID,
		Cluster:     a.Cluster,
		Subnet:      fmt.Sprintf("%v/24", a.Addresses[0]),
		Addresses:   make([]string, 0, len(a.Addresses)),
		Allocation:  env,
		EnvVars:     env,
		AllocatedAt: a.AllocatedAt,
		Status:      string(a.Status),
	}
	resp.Network = resp.Subnet
	for _, addr := range a.Addresses {
		resp.Addresses = append(resp.Addresses, addr.String())
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.IsErrInvalidInput(err):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.IsErrNotFound(err):
		code, msg = http.StatusNotFound, err.Error()
	case errors.IsErrCapacityExhausted(err):
		code, msg = http.StatusConflict, err.Error()
	case errors.IsErrBusy(err):
		code, msg = http.StatusServiceUnavailable, err.Error()
		w.Header().Set("Retry-After", "1")
	default:
		log.G(r.Context()).WithError(err).Error("request failed")
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func decodeLabRequest(w http.ResponseWriter, r *http.Request) (labRequest, error) {
	var req labRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return req, errors.ErrInvalidInput("malformed request body: %v", err)
	}
	if req.Name == "" {
		req.Name = req.LabUID
	}
	if req.Name == "" {
		return req, errors.ErrInvalidInput("name is required")
	}
	return req, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "healthy",
		"network_cidr": s.allocator.Filter().Network().String(),
	})
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, err := decodeLabRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	alloc, err := s.allocator.Allocate(r.Context(), req.Name, req.Cluster)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAllocationResponse(alloc))
}

func (s *Server) getAllocation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	alloc, err := s.allocator.Get(r.Context(), ps.ByName("name"), r.URL.Query().Get("cluster"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAllocationResponse(alloc))
}

func (s *Server) deallocate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, err := decodeLabRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.allocator.Deallocate(r.Context(), req.Name, req.Cluster); err != nil {
		writeError(w, r, err)
		return
	}
	cluster := req.Cluster
	if cluster == "" {
		cluster = api.DefaultCluster
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("released addresses of lab_uid %s in cluster %s", req.Name, cluster),
	})
}

func (s *Server) listAllocations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	allocations, err := s.allocator.List(r.Context(), r.URL.Query().Get("cluster"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := struct {
		Allocations []allocationResponse `json:"allocations"`
	}{
		Allocations: make([]allocationResponse, 0, len(allocations)),
	}
	for _, a := range allocations {
		resp.Allocations = append(resp.Allocations, newAllocationResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := s.allocator.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) protectedRanges(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	f := s.allocator.Filter()
	resp := protectedResponse{
		Network:                f.Network().String(),
		TotalProtectedIPs:      f.ProtectedCount(),
		AvailableForAllocation: f.UsableCount(),
	}
	for _, pr := range f.Ranges(r.URL.Query().Get("edges") == "true") {
		resp.ProtectedRanges = append(resp.ProtectedRanges, protectedRange{
			First: pr.First.String(),
			Last:  pr.Last.String(),
			Kind:  string(pr.Kind),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
