package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleMachines(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.store.Machines())
}

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest := a.store.Latest(chi.URLParam(r, "id"))
	if latest == nil {
		latest = json.RawMessage("null")
	}
	respondJSON(w, http.StatusOK, latest)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.store.History(chi.URLParam(r, "id")))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.store.Status(chi.URLParam(r, "id")))
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, errors.New("payload is not valid JSON"))
		return
	}

	if err := a.store.Update(chi.URLParam(r, "id"), body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
