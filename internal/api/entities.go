package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mirror/internal/command"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// CommandSource is the journal source recorded for API commands.
const CommandSource = "api"

// actionInfo describes an accepted action for API clients.
type actionInfo struct {
	Name   string      `json:"name"`
	Params []paramInfo `json:"params,omitempty"`
}

type paramInfo struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// entityResponse is a view plus the actions its kind accepts.
type entityResponse struct {
	*entity.View
	Actions []actionInfo `json:"actions"`
}

// dispatchRequest is the body of POST /entities/{id}/commands.
type dispatchRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func describeActions(kind entity.Kind) []actionInfo {
	acts := command.Actions(kind)
	out := make([]actionInfo, 0, len(acts))
	for _, a := range acts {
		info := actionInfo{Name: a.Name}
		for _, p := range a.Params {
			pi := paramInfo{Name: p.Name, Type: p.TypeName(), Required: p.Required, Values: p.Values}
			if p.Min != 0 || p.Max != 0 {
				lo, hi := p.Min, p.Max
				pi.Min, pi.Max = &lo, &hi
			}
			info.Params = append(info.Params, pi)
		}
		out = append(out, info)
	}
	return out
}

// entityID returns the unescaped {id} path parameter.
func entityID(r *http.Request) string {
	return pathParam(r, "id")
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// handleListEntities returns every view visible to the caller, optionally
// filtered by room, floor and kind.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	q := r.URL.Query()
	room, floor := q.Get("room"), q.Get("floor")

	var kind entity.Kind
	if k := q.Get("kind"); k != "" {
		parsed, ok := entity.ParseKind(k)
		if !ok {
			writeBadRequest(w, "unknown kind: "+k)
			return
		}
		kind = parsed
	}

	views := make([]*entity.View, 0)
	for _, v := range s.engine.All() {
		if !claims.CanAccessRoom(v.Room) {
			continue
		}
		if room != "" && v.Room != room {
			continue
		}
		if floor != "" && v.Floor != floor {
			continue
		}
		if kind != "" && v.Kind != kind {
			continue
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entities": views,
		"count":    len(views),
	})
}

// handleGetEntity returns one view with its accepted actions.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := entityID(r)
	v, ok := s.engine.Get(id)
	if !ok {
		writeNotFound(w, "entity not found: "+id)
		return
	}
	if !claimsFromContext(r.Context()).CanAccessRoom(v.Room) {
		writeForbidden(w, "entity is outside the token's rooms")
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{View: v, Actions: describeActions(v.Kind)})
}

// handleDispatch validates and forwards a command. A 202 means the command
// was sent; its outcome arrives as a state change.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := entityID(r)
	ident, ok := s.engine.Catalog().Get(id)
	if !ok {
		writeNotFound(w, "entity not found: "+id)
		return
	}
	if !claimsFromContext(r.Context()).CanAccessRoom(ident.Room) {
		writeForbidden(w, "entity is outside the token's rooms")
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeValidationError(w, "action is required")
		return
	}

	ctx := command.WithSource(r.Context(), CommandSource)
	receipt, err := s.engine.Dispatch(ctx, id, req.Action, req.Params)
	if err != nil {
		if !writeDispatchError(w, err) {
			s.logger.Error("dispatch failed", "entity_id", id, "action", req.Action, "error", err)
			writeInternalError(w, "failed to dispatch command")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, receipt)
}
