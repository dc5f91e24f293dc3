package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/ports"
	apperrors "meetwire/pkg/errors"
	"meetwire/pkg/validation"
)

// RoomHandler exposes read-only views of rooms and presence.
type RoomHandler struct {
	rooms    ports.RoomDirectory
	presence ports.PresenceService
}

func NewRoomHandler(rooms ports.RoomDirectory, presence ports.PresenceService) *RoomHandler {
	return &RoomHandler{
		rooms:    rooms,
		presence: presence,
	}
}

func (h *RoomHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:id", h.GetRoom)
	api.GET("/presence", h.ListPresence)
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.List()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsIdentifier(id) {
		_ = c.Error(apperrors.NewInvalidInputError("invalid room id"))
		return
	}

	summary, err := h.rooms.Summary(domain.RoomID(id))
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			_ = c.Error(apperrors.NewNotFoundError("room"))
			return
		}
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to read room", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": summary,
	})
}

func (h *RoomHandler) ListPresence(c *gin.Context) {
	users, err := h.presence.OnlineUsers(c.Request.Context())
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence directory unavailable", http.StatusServiceUnavailable))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}
