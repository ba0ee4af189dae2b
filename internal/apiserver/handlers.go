// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
	"github.com/juju/consolidator/internal/cluster"
)

// maxBodySize bounds request bodies.
const maxBodySize = 4 << 20

// errBodyTooLarge is returned for request bodies over maxBodySize.
const errBodyTooLarge = errors.ConstError("request body too large")

type handlers struct {
	service  CaseService
	pipeline Pipeline
	logger   Logger
}

// CaseResponse is the wire form of a case.
type CaseResponse struct {
	ID           string                        `json:"id"`
	Members      []string                      `json:"members"`
	EventTechIDs []string                      `json:"eventTechIds"`
	Events       []consolidation.BusinessEvent `json:"events"`
	Version      int64                         `json:"version"`
	Created      time.Time                     `json:"created"`
	LastUpdated  time.Time                     `json:"lastUpdated"`
}

func newCaseResponse(c consolidation.Case) CaseResponse {
	resp := CaseResponse{
		ID:           c.ID,
		Members:      c.Members.SortedValues(),
		EventTechIDs: c.EventTechIDs,
		Events:       c.Events,
		Version:      c.Version,
		Created:      c.Created,
		LastUpdated:  c.LastUpdated,
	}
	if resp.EventTechIDs == nil {
		resp.EventTechIDs = []string{}
	}
	if resp.Events == nil {
		resp.Events = []consolidation.BusinessEvent{}
	}
	return resp
}

// IngestResponse reports where a submitted event went.
type IngestResponse struct {
	CaseID   string `json:"caseId"`
	Applied  bool   `json:"applied"`
	Attempts int    `json:"attempts"`
}

// ClusterRequest holds identifier sets to group.
type ClusterRequest struct {
	Sets [][]string `json:"sets"`
}

// ClusterResponse holds the grouped identifier sets.
type ClusterResponse struct {
	Clusters   [][]string `json:"clusters"`
	Singletons [][]string `json:"singletons"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h handlers) submitEvent(w http.ResponseWriter, r *http.Request) {
	var ev consolidation.BusinessEvent
	if err := decodeBody(w, r, &ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.pipeline.Ingest(r.Context(), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !result.Applied {
		status = http.StatusOK
	}
	writeResponse(w, status, IngestResponse{
		CaseID:   result.CaseID,
		Applied:  result.Applied,
		Attempts: result.Attempts,
	})
}

func (h handlers) listCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.service.AllCases(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]CaseResponse, len(cases))
	for i, c := range cases {
		resp[i] = newCaseResponse(c)
	}
	writeResponse(w, http.StatusOK, resp)
}

func (h handlers) getCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetCase(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeResponse(w, http.StatusOK, newCaseResponse(c))
}

func (h handlers) caseForMember(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.CaseForMember(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeResponse(w, http.StatusOK, newCaseResponse(c))
}

func (h handlers) cluster(w http.ResponseWriter, r *http.Request) {
	var req ClusterRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sets := make([]set.Strings, len(req.Sets))
	for i, ids := range req.Sets {
		sets[i] = set.NewStrings(ids...)
	}
	clusters, singletons := cluster.Cluster(sets)
	writeResponse(w, http.StatusOK, ClusterResponse{
		Clusters:   sortedValues(clusters),
		Singletons: sortedValues(singletons),
	})
}

func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warningf("health check failed: %v", err)
		writeResponse(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h handlers) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.logger.Debugf("method %s not allowed on %s", r.Method, r.URL.Path)
	writeResponse(w, http.StatusMethodNotAllowed, errorResponse{
		Error: r.Method + " not allowed on " + r.URL.Path,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NotValidf("missing request body")
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errors.Annotatef(errBodyTooLarge, "limit %d bytes", tooLarge.Limit)
	} else if err != nil {
		return errors.Annotate(err, "reading request body")
	}
	if len(data) == 0 {
		return errors.NotValidf("missing request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewNotValid(err, "request body is not valid JSON")
	}
	return nil
}

func (h handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("returning error from %s %s: %s", r.Method, r.URL, errors.Details(err))
	} else {
		h.logger.Debugf("returning error from %s %s: %v", r.Method, r.URL, err)
	}
	writeResponse(w, status, errorResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, errors.NotFound), errors.Is(err, consolidationerrors.CaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, consolidationerrors.RetriesExhausted),
		errors.Is(err, consolidationerrors.StoreUnavailable):
		return http.StatusServiceUnavailable
	case consolidationerrors.IsRetryable(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeResponse(w http.ResponseWriter, statusCode int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	message, err := json.Marshal(response)
	if err != nil {
		logger.Errorf("cannot marshal JSON response %+v: %v", response, err)
		return
	}
	_, _ = w.Write(message)
}

func sortedValues(sets []set.Strings) [][]string {
	result := make([][]string, len(sets))
	for i, s := range sets {
		result[i] = s.SortedValues()
	}
	return result
}
