package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"tunnbox/internal/services"
)

type Handler struct {
	orch *services.Orchestrator
	log  *logrus.Logger
}

func RegisterRoutes(g *echo.Group, orch *services.Orchestrator, log *logrus.Logger) {
	h := &Handler{orch: orch, log: log}

	g.GET("/health", h.Health)

	g.GET("/interfaces", h.ListInterfaces)
	g.POST("/interfaces", h.CreateInterface)
	g.GET("/interfaces/:name", h.GetInterface)
	g.PUT("/interfaces/:name", h.UpdateInterface)
	g.DELETE("/interfaces/:name", h.DeleteInterface)
	g.POST("/interfaces/:name/up", h.InterfaceUp)
	g.POST("/interfaces/:name/down", h.InterfaceDown)
	g.GET("/interfaces/:name/stats", h.InterfaceStats)
	g.GET("/interfaces/:name/next-ip", h.NextFreeAddress)

	g.GET("/interfaces/:name/peers", h.ListPeers)
	g.POST("/interfaces/:name/peers", h.AddPeer)
	g.GET("/interfaces/:name/peers/:pubkey", h.GetPeer)
	g.PUT("/interfaces/:name/peers/:pubkey", h.UpdatePeer)
	g.DELETE("/interfaces/:name/peers/:pubkey", h.RemovePeer)
	g.GET("/interfaces/:name/peers/:pubkey/config", h.PeerConfig)
}

// statusFor maps orchestrator error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrSanitization):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrAllocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrExecution):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request().Method,
			"path":   c.Request().URL.Path,
		}).Error("request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// pubkey returns the peer public key path parameter. Keys contain '/' and
// '+', so clients send them path-escaped.
func pubkey(c echo.Context) (string, error) {
	return url.PathUnescape(c.Param("pubkey"))
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "backend": h.orch.BackendName()})
}

// -------- interfaces --------

func (h *Handler) ListInterfaces(c echo.Context) error {
	ifaces, err := h.orch.ListInterfaces(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ifaces)
}

func (h *Handler) CreateInterface(c echo.Context) error {
	var req services.InterfaceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	iface, err := h.orch.CreateInterface(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, iface)
}

func (h *Handler) GetInterface(c echo.Context) error {
	iface, err := h.orch.GetInterface(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, iface)
}

func (h *Handler) UpdateInterface(c echo.Context) error {
	var upd services.InterfaceUpdate
	if err := c.Bind(&upd); err != nil {
		return badRequest(c, err)
	}
	iface, err := h.orch.UpdateInterface(c.Request().Context(), c.Param("name"), upd)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, iface)
}

func (h *Handler) DeleteInterface(c echo.Context) error {
	if err := h.orch.DeleteInterface(c.Request().Context(), c.Param("name")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) InterfaceUp(c echo.Context) error {
	iface, err := h.orch.InterfaceUp(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, iface)
}

func (h *Handler) InterfaceDown(c echo.Context) error {
	iface, err := h.orch.InterfaceDown(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, iface)
}

func (h *Handler) InterfaceStats(c echo.Context) error {
	stats, err := h.orch.InterfaceStats(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) NextFreeAddress(c echo.Context) error {
	next, err := h.orch.NextFreeAddress(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"next_ip": next})
}

// -------- peers --------

func (h *Handler) ListPeers(c echo.Context) error {
	peers, err := h.orch.ListPeers(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, peers)
}

func (h *Handler) AddPeer(c echo.Context) error {
	var req services.PeerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	peer, err := h.orch.AddPeer(c.Request().Context(), c.Param("name"), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, peer)
}

func (h *Handler) GetPeer(c echo.Context) error {
	key, err := pubkey(c)
	if err != nil {
		return badRequest(c, err)
	}
	peer, err := h.orch.GetPeer(c.Request().Context(), c.Param("name"), key)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, peer)
}

func (h *Handler) UpdatePeer(c echo.Context) error {
	key, err := pubkey(c)
	if err != nil {
		return badRequest(c, err)
	}
	var upd services.PeerUpdate
	if err := c.Bind(&upd); err != nil {
		return badRequest(c, err)
	}
	peer, err := h.orch.UpdatePeer(c.Request().Context(), c.Param("name"), key, upd)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, peer)
}

func (h *Handler) RemovePeer(c echo.Context) error {
	key, err := pubkey(c)
	if err != nil {
		return badRequest(c, err)
	}
	if err := h.orch.RemovePeer(c.Request().Context(), c.Param("name"), key); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PeerConfig(c echo.Context) error {
	key, err := pubkey(c)
	if err != nil {
		return badRequest(c, err)
	}
	data, filename, err := h.orch.PeerClientConfig(c.Request().Context(), c.Param("name"), key)
	if err != nil {
		return h.fail(c, err)
	}

	// Set header for file download
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, "application/x-wireguard-profile", data)
}
