package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-mirror/internal/journal"
)

// handleListCommands returns a page of the command journal, most recent
// first. Room-scoped callers must filter by an entity in their rooms.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "command journal is disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		EntityID: q.Get("entity_id"),
		Action:   q.Get("action"),
		Outcome:  journal.Outcome(q.Get("outcome")),
	}

	switch filter.Outcome {
	case "", journal.OutcomeSent, journal.OutcomeSucceeded, journal.OutcomeRejected, journal.OutcomeSendFailed:
	default:
		writeBadRequest(w, "unknown outcome: "+string(filter.Outcome))
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	if claims := claimsFromContext(r.Context()); claims.IsRoomScoped() {
		ident, ok := s.engine.Catalog().Get(filter.EntityID)
		if !ok || !claims.CanAccessRoom(ident.Room) {
			writeForbidden(w, "room-scoped tokens must filter by an entity in their rooms")
			return
		}
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing command journal failed", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// intParam parses an optional integer query parameter.
func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
