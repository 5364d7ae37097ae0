package dashboard

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tickflow/internal/settings"
	"tickflow/logger"
)

const masked = "********"

type settingRequest struct {
	Key         string  `json:"key"`
	Value       *string `json:"value"`
	Description string  `json:"description"`
}

func maskSetting(st settings.Setting) settings.Setting {
	if settings.Sensitive(st.Key) && st.Value != "" {
		st.Value = masked
	}
	return st
}

func (s *Server) listSettings(c *gin.Context) {
	list, err := s.deps.Settings.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	out := make(map[string]settings.Setting, len(list))
	for _, st := range list {
		out[st.Key] = maskSetting(st)
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

func (s *Server) getSetting(c *gin.Context) {
	st, err := s.deps.Settings.Get(c.Request.Context(), c.Param("key"))
	if errors.Is(err, settings.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "setting not found"})
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, maskSetting(st))
}

func (s *Server) putSetting(c *gin.Context, key string, req settingRequest, status int) {
	key = strings.TrimSpace(key)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	if req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	if err := s.deps.Settings.Set(c.Request.Context(), key, *req.Value, req.Description); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	s.log.WithComponent("api").WithFields(logger.Fields{"key": key}).Info("setting saved")
	st := settings.Setting{Key: key, Value: *req.Value, Description: req.Description}
	c.JSON(status, gin.H{"status": "saved", "setting": maskSetting(st)})
}

func (s *Server) createSetting(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	s.putSetting(c, req.Key, req, http.StatusCreated)
}

func (s *Server) updateSetting(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c, err)
		return
	}
	s.putSetting(c, c.Param("key"), req, http.StatusOK)
}

func (s *Server) deleteSetting(c *gin.Context) {
	key := c.Param("key")
	err := s.deps.Settings.Delete(c.Request.Context(), key)
	if errors.Is(err, settings.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "setting not found"})
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "status": "deleted"})
}
