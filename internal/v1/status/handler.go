// Package status exposes the read-only diagnostics surface for operators.
package status

import (
	"net/http"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/logging"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RoomDirectory is the slice of hub behavior the handlers read from. Tests
// supply a fake.
type RoomDirectory interface {
	Snapshot() []session.RoomStatus
	RoomStatus(leagueID string) (session.RoomStatus, bool)
	ForceRetire(leagueID string) bool
	TotalClients() int
}

// Handler serves the HTTP diagnostics endpoints.
type Handler struct {
	directory RoomDirectory
}

// NewHandler creates a status Handler over the given directory.
func NewHandler(directory RoomDirectory) *Handler {
	return &Handler{directory: directory}
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status       string   `json:"status"`
	ActiveRooms  int      `json:"activeRooms"`
	TotalClients int      `json:"totalClients"`
	Rooms        []string `json:"rooms"`
}

// RoomsResponse is the GET /rooms payload.
type RoomsResponse struct {
	TotalRooms int                  `json:"totalRooms"`
	Rooms      []session.RoomStatus `json:"rooms"`
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	snapshot := h.directory.Snapshot()

	rooms := make([]string, 0, len(snapshot))
	for _, status := range snapshot {
		rooms = append(rooms, status.LeagueID)
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:       "ok",
		ActiveRooms:  len(snapshot),
		TotalClients: h.directory.TotalClients(),
		Rooms:        rooms,
	})
}

// Rooms handles GET /rooms.
func (h *Handler) Rooms(c *gin.Context) {
	snapshot := h.directory.Snapshot()
	c.JSON(http.StatusOK, RoomsResponse{
		TotalRooms: len(snapshot),
		Rooms:      snapshot,
	})
}

// RoomStatus handles GET /rooms/:id/status.
func (h *Handler) RoomStatus(c *gin.Context) {
	id := c.Param("id")
	status, ok := h.directory.RoomStatus(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// DeleteRoom handles DELETE /rooms/:id (force-retire).
func (h *Handler) DeleteRoom(c *gin.Context) {
	id := c.Param("id")
	if !h.directory.ForceRetire(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	logging.Info(c.Request.Context(), "Room force-retired by operator", zap.String("leagueId", id))
	c.JSON(http.StatusOK, gin.H{"status": "removed", "roomId": id})
}
