// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/driver"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

type apiKeyRequest struct {
	APIKey string `json:"apikey" binding:"required,max=256"`
}

type renameRequest struct {
	Name string `json:"name" binding:"required,max=128"`
}

type settingsRequest struct {
	Settings map[string]string `json:"settings" binding:"required,dive,keys,required,max=64,endkeys,max=256"`
}

type credentialResult struct {
	Valid bool   `json:"valid"`
	View  string `json:"view,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// openSession starts a pairing flow on the API key view. A stored key moves
// it straight on to the profile list.
func (s *Server) openSession(c *gin.Context) {
	session := s.sessions.Create(KindPair, driver.ViewAPIKey, "")
	if err := s.pairing.BeginView(c.Request.Context(), session, driver.ViewAPIKey); err != nil {
		s.sessions.Remove(session.ID)
		writeError(c, err)
		return
	}
	logger.Debug().Str("session_id", session.ID).Str("view", session.View()).Msg("Pairing session opened")
	c.JSON(http.StatusCreated, SuccessResponse(session.snapshot()))
}

func (s *Server) session(c *gin.Context) (*PairSession, bool) {
	session, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return session, true
}

func (s *Server) showView(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	view := c.Param("view")
	if view != driver.ViewAPIKey && view != driver.ViewListDevices {
		writeError(c, apperrors.NewValidationError("view", view, "unknown pairing view"))
		return
	}
	ctx := c.Request.Context()
	if err := session.ShowView(ctx, view); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse(err.Error()))
		return
	}
	if err := s.pairing.BeginView(ctx, session, view); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(session.snapshot()))
}

func (s *Server) submitAPIKey(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	valid, err := s.pairing.SubmitCredential(c.Request.Context(), session, req.APIKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(credentialResult{Valid: valid, View: session.View()}))
}

func (s *Server) sessionProfiles(c *gin.Context) {
	if _, ok := s.session(c); !ok {
		return
	}
	s.listProfiles(c)
}

func (s *Server) listProfiles(c *gin.Context) {
	candidates, err := s.pairing.ListRemoteProfiles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(candidates))
}

// addDevice pairs the selected profile and ends the session.
func (s *Server) addDevice(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	var candidate device.Candidate
	if err := c.ShouldBindJSON(&candidate); err != nil {
		writeBindError(c, err)
		return
	}

	if candidate.Store[driver.StoreKeyProfileID] == "" {
		writeError(c, apperrors.NewValidationError("store.id", candidate.Store, "profile id is required"))
		return
	}

	ctx := c.Request.Context()
	d, err := s.devices.Add(ctx, candidate)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := session.Done(ctx); err != nil {
		logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to end pairing session")
	}
	s.sessions.Remove(session.ID)
	logger.Info().Str("session_id", session.ID).Str("device_id", d.ID).Msg("Pairing session completed")

	c.JSON(http.StatusCreated, SuccessResponse(d))
}

// repairDevice replaces the shared API key through a one-shot repair session.
func (s *Server) repairDevice(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.devices.Get(id); err != nil {
		writeError(c, err)
		return
	}

	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	session := s.sessions.Create(KindRepair, driver.ViewAPIKey, id)
	defer s.sessions.Remove(session.ID)

	valid, err := s.pairing.Repair(c.Request.Context(), session, req.APIKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(credentialResult{Valid: valid, Done: session.IsDone()}))
}

func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(s.devices.List()))
}

func (s *Server) getDevice(c *gin.Context) {
	d, err := s.devices.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(d))
}

func (s *Server) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	d, err := s.devices.UpdateSettings(c.Request.Context(), c.Param("id"), req.Settings)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(d))
}

func (s *Server) renameDevice(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	d, err := s.devices.Rename(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(d))
}

func (s *Server) deleteDevice(c *gin.Context) {
	if err := s.devices.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse("device deleted"))
}
