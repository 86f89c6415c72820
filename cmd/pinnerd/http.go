package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/pinner"
	"github.com/adammck/pinner/pkg/tracker"
)

type pinResponse struct {
	CID   string `json:"cid"`
	State string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// routes adds the pin api to mux. Pins are launched in the background, so
// POST returns as soon as the cid is accepted; poll GET to see how it went.
func (c *Controller) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /pins/{cid}", c.handlePin)
	mux.HandleFunc("GET /pins/{cid}", c.handleStatus)
	mux.HandleFunc("DELETE /pins/{cid}", c.handleUnpin)
}

func (c *Controller) handlePin(w http.ResponseWriter, r *http.Request) {
	cid, err := c.pinner.Pin(r.PathValue("cid"))
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}

	st, err := c.pinner.Status(r.Context(), cid.String())
	if err != nil {
		c.writeError(w, http.StatusInternalServerError, err)
		return
	}

	c.writeJSON(w, http.StatusAccepted, pinResponse{CID: cid.String(), State: st.String()})
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	cid, err := api.ParseCID(r.PathValue("cid"))
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}

	st, err := c.pinner.Status(r.Context(), cid.String())
	if err != nil {
		c.writeError(w, http.StatusInternalServerError, err)
		return
	}

	code := http.StatusOK
	if st == tracker.NotFound {
		code = http.StatusNotFound
	}

	c.writeJSON(w, code, pinResponse{CID: cid.String(), State: st.String()})
}

func (c *Controller) handleUnpin(w http.ResponseWriter, r *http.Request) {
	cid, err := api.ParseCID(r.PathValue("cid"))
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}

	err = c.pinner.Unpin(r.Context(), cid.String())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, pinner.ErrNotPinned):
		c.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pinner.ErrNodesUnavailable):
		c.writeError(w, http.StatusServiceUnavailable, err)
	default:
		c.writeError(w, http.StatusInternalServerError, err)
	}
}

func (c *Controller) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		c.log.Warn("pinnerd.http.error", "code", code, "error", err)
	}

	c.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (c *Controller) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.Debug("pinnerd.http.write_failed", "error", err)
	}
}
