package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"whendoist/internal/service"
)

type CalendarHandler struct {
	calendar *service.CalendarService
	logger   *zap.Logger
}

func NewCalendarHandler(calendar *service.CalendarService, logger *zap.Logger) *CalendarHandler {
	return &CalendarHandler{calendar: calendar, logger: logger}
}

// Connect returns the provider consent URL. The state carries the user id
// so the callback can attribute the code; the callback itself runs on the
// authenticated session, the state is a cross-check.
func (h *CalendarHandler) Connect(c *gin.Context) {
	state := fmt.Sprintf("u%d", UserID(c))
	c.JSON(http.StatusOK, gin.H{"url": h.calendar.ConnectURL(state)})
}

func (h *CalendarHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}
	if state := c.Query("state"); state != fmt.Sprintf("u%d", UserID(c)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state mismatch"})
		return
	}

	keepEvents := c.Query("keep_events") == "true"
	if err := h.calendar.CompleteConnect(c.Request.Context(), UserID(c), code, keepEvents); err != nil {
		h.logger.Error("Calendar connect failed", zap.Int64("user_id", UserID(c)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "calendar connection failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true})
}

func (h *CalendarHandler) Status(c *gin.Context) {
	status, err := h.calendar.Status(c.Request.Context(), UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// SyncNow requests a full bulk sync; the worker runs it asynchronously.
func (h *CalendarHandler) SyncNow(c *gin.Context) {
	if err := h.calendar.RequestSync(c.Request.Context(), UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (h *CalendarHandler) Disconnect(c *gin.Context) {
	var req struct {
		DeleteEvents *bool `json:"delete_events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Default follows the stored keep-events preference.
	deleteEvents := false
	if req.DeleteEvents != nil {
		deleteEvents = *req.DeleteEvents
	} else if status, err := h.calendar.Status(c.Request.Context(), UserID(c)); err == nil && status.Connected {
		deleteEvents = !status.KeepEventsOnDisable
	}

	if err := h.calendar.Disconnect(c.Request.Context(), UserID(c), deleteEvents); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"disconnecting": true, "delete_events": deleteEvents})
}

func (h *CalendarHandler) Reconnect(c *gin.Context) {
	if err := h.calendar.Reconnect(c.Request.Context(), UserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconnected": true})
}
