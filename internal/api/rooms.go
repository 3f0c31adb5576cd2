package api

import (
	"net/http"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// roomSummary is a room with availability counts.
type roomSummary struct {
	Name        string   `json:"name"`
	Floor       string   `json:"floor"`
	EntityIDs   []string `json:"entity_ids"`
	Available   int      `json:"available"`
	Unavailable int      `json:"unavailable"`
}

// roomDetail is a room with the views of its members.
type roomDetail struct {
	roomSummary
	Entities []*entity.View `json:"entities"`
}

func (s *Server) summarise(name, floor string, ids []string) roomDetail {
	d := roomDetail{
		roomSummary: roomSummary{Name: name, Floor: floor, EntityIDs: ids},
		Entities:    make([]*entity.View, 0, len(ids)),
	}
	for _, id := range ids {
		v, ok := s.engine.Get(id)
		if !ok {
			continue
		}
		if v.Available {
			d.Available++
		} else {
			d.Unavailable++
		}
		d.Entities = append(d.Entities, v)
	}
	return d
}

// handleListRooms returns the rooms visible to the caller in catalogue order.
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	rooms := make([]roomSummary, 0)
	for _, room := range s.engine.Catalog().Rooms() {
		if !claims.CanAccessRoom(room.Name) {
			continue
		}
		rooms = append(rooms, s.summarise(room.Name, room.Floor, room.EntityIDs).roomSummary)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rooms": rooms,
		"count": len(rooms),
	})
}

// handleGetRoom returns one room with its member views.
func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "room")
	room, err := s.engine.Catalog().Room(name)
	if err != nil {
		writeNotFound(w, "room not found: "+name)
		return
	}
	if !claimsFromContext(r.Context()).CanAccessRoom(room.Name) {
		writeForbidden(w, "room is outside the token's rooms")
		return
	}
	writeJSON(w, http.StatusOK, s.summarise(room.Name, room.Floor, room.EntityIDs))
}
