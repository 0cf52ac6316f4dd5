package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"forgehub/services/commands"
)

type issueRequest struct {
	Command string          `json:"command"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type ackRequest struct {
	CmdID  string `json:"cmd_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (a *API) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	name := strings.TrimSpace(req.Command)
	if name == "" {
		name = strings.TrimSpace(req.Name)
	}
	if name == "" {
		respondError(w, http.StatusBadRequest, errors.New("command is required"))
		return
	}

	// The command outlives the submitting client; the gateways bound dispatch.
	cmd, err := a.tracker.Issue(context.WithoutCancel(r.Context()), name, req.Payload)
	switch {
	case errors.Is(err, commands.ErrUnknownCommand), errors.Is(err, commands.ErrInvalidCommand):
		respondError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	body := map[string]any{"cmd_id": cmd.ID, "status": cmd.Status}
	if cmd.Error != "" {
		body["error"] = cmd.Error
	}
	respondJSON(w, http.StatusAccepted, body)
}

func (a *API) handleCommandAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeJSONLenient(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.CmdID = strings.TrimSpace(req.CmdID)
	if req.CmdID == "" {
		respondError(w, http.StatusBadRequest, errors.New("cmd_id is required"))
		return
	}
	status, err := commands.ParseOutcome(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	// Unknown and finished ids are not an error for the reporter.
	a.tracker.Resolve(req.CmdID, status, req.Error)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, a.tracker.List(limit))
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.tracker.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, commands.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, cmd)
}

func (a *API) handleCommandEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		respondError(w, http.StatusNotFound, errors.New("command journal is disabled"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	events, err := a.journal.Events(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (a *API) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	catalog := a.tracker.Catalog()
	respondJSON(w, http.StatusOK, map[string]any{
		"enforced": catalog != nil,
		"commands": catalog.List(),
	})
}
