package http

import (
	"net/http"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/internal/core/services"
	"voxrelay/internal/infrastructure/middleware"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RelayHandler exposes the out-of-band relay API: ICE configuration,
// channel snapshots, the screen-share floor and manual key rotation.
type RelayHandler struct {
	registry *services.ChannelRegistry
	ice      *services.ICEIssuer
	auth     services.AuthService
}

var _ ports.RelayHTTPHandler = (*RelayHandler)(nil)

func NewRelayHandler(registry *services.ChannelRegistry, ice *services.ICEIssuer, auth services.AuthService) *RelayHandler {
	return &RelayHandler{
		registry: registry,
		ice:      ice,
		auth:     auth,
	}
}

func (h *RelayHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(h.auth))
	{
		api.GET("/ice", h.GetICEServers)
		api.GET("/channels/:id/stats", h.GetChannelStats)
		api.POST("/channels/:id/shares", h.RequestShare)
		api.DELETE("/channels/:id/shares/:shareId", h.StopShare)
		api.POST("/channels/:id/keys/rotate", middleware.RequirePermission(domain.PermissionManageKeys), h.RotateKey)
	}
}

func (h *RelayHandler) GetICEServers(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	c.JSON(http.StatusOK, h.ice.Issue(claims.UserID))
}

// channel resolves the route's channel on this node after checking the
// caller may join it.
func (h *RelayHandler) channel(c *gin.Context) (*services.ChannelSupervisor, *services.Claims, bool) {
	claims, _ := middleware.ClaimsFrom(c)
	if err := validation.ValidateChannelID(c.Param("id")); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return nil, nil, false
	}
	id := domain.ChannelID(c.Param("id"))

	if err := h.auth.CanJoin(claims, id); err != nil {
		_ = c.Error(err)
		return nil, nil, false
	}
	sup, ok := h.registry.Get(id)
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("channel").WithContext("channel_id", id))
		return nil, nil, false
	}
	return sup, claims, true
}

func (h *RelayHandler) GetChannelStats(c *gin.Context) {
	sup, _, ok := h.channel(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sup.Stats())
}

type shareRequest struct {
	Tier     domain.ShareTier `json:"tier"`
	StreamID uint32           `json:"stream_id"`
}

func (h *RelayHandler) RequestShare(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	sup, claims, ok := h.channel(c)
	if !ok {
		return
	}
	session, ok := sup.SessionFor(claims.UserID)
	if !ok {
		_ = c.Error(domain.ErrNotMember)
		return
	}

	share, err := sup.RequestShare(c.Request.Context(), session, domain.StreamID(req.StreamID), req.Tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"share": share})
}

func (h *RelayHandler) StopShare(c *gin.Context) {
	sup, claims, ok := h.channel(c)
	if !ok {
		return
	}
	id := domain.ShareID(c.Param("shareId"))
	if err := sup.StopShare(c.Request.Context(), claims.UserID, claims.Has(domain.PermissionManageKeys), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RelayHandler) RotateKey(c *gin.Context) {
	sup, _, ok := h.channel(c)
	if !ok {
		return
	}
	id, err := sup.RotateKey(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyId": id})
}
