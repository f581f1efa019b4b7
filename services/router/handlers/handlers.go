// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the router's operator API over gin.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRouter/services/router/datatypes"
	"github.com/AleutianAI/AleutianRouter/services/router/orchestrator"
	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
)

// reasonKey is the gin context key holding the reason of a control request.
const reasonKey = "control_reason"

// ControlRequest is the body of the manual control endpoints.
type ControlRequest struct {
	Reason string `json:"reason"`
}

// RouteRequest is the body of POST /route.
type RouteRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Query     string         `json:"query" binding:"required"`
	Context   map[string]any `json:"context"`
}

// RouteResponse wraps the orchestrator response with the payload and the
// production error, if any.
type RouteResponse struct {
	orchestrator.Response
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FeedbackRequest is the body of POST /feedback.
type FeedbackRequest struct {
	RequestID    string   `json:"request_id" binding:"required"`
	UserID       string   `json:"user_id"`
	Satisfaction *float64 `json:"satisfaction" binding:"omitempty,gte=0,lte=1"`
	Converted    *bool    `json:"converted"`
}

// ShadowRateRequest is the body of POST /shadow/rate.
type ShadowRateRequest struct {
	Rate *float64 `json:"rate" binding:"required"`
}

// RolloutResponse is the body of GET /rollout.
type RolloutResponse struct {
	State    rollout.State          `json:"state"`
	Criteria rollout.CriteriaReport `json:"criteria"`
	History  []rollout.Transition   `json:"history"`
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// GetStatus returns the aggregated component status.
func GetStatus(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Status())
	}
}

// GetBandit returns the bandit statistics.
func GetBandit(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Bandit().Stats())
	}
}

// GetRollout returns the rollout state, advancement criteria and history.
func GetRollout(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := o.Rollout()
		c.JSON(http.StatusOK, RolloutResponse{
			State:    m.State(),
			Criteria: m.Criteria(),
			History:  m.History(),
		})
	}
}

// RolloutAction applies one manual control to the rollout.
//
// Description:
//
//	Supported actions are hold, resume, advance, rollback, emergency-stop
//	and reactivate. A refused advance answers 409 with the reason. The
//	response carries the resulting rollout state.
func RolloutAction(o *orchestrator.Orchestrator, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ControlRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "operator " + action
		}
		c.Set(reasonKey, req.Reason)

		m := o.Rollout()
		switch action {
		case "hold":
			m.Hold(req.Reason)
		case "resume":
			m.Resume()
		case "advance":
			if err := m.ManualAdvance(); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, rollout.ErrCriteriaNotMet) || errors.Is(err, rollout.ErrInactive) ||
					errors.Is(err, rollout.ErrTerminalStage) {
					status = http.StatusConflict
				}
				c.JSON(status, gin.H{"error": err.Error(), "criteria": m.Criteria()})
				return
			}
		case "rollback":
			m.ManualRollback(req.Reason)
		case "emergency-stop":
			m.EmergencyStop(req.Reason)
		case "reactivate":
			m.Reactivate()
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown rollout action " + action})
			return
		}

		o.Logger().Info("rollout control applied",
			slog.String("action", action),
			slog.String("reason", req.Reason),
		)
		c.JSON(http.StatusOK, m.State())
	}
}

// GetExperiment returns the experiment status, or 404 when none is configured.
func GetExperiment(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp := o.Experiment()
		if exp == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no experiment configured"})
			return
		}
		c.JSON(http.StatusOK, exp.Status())
	}
}

// StopExperiment stops the running experiment.
func StopExperiment(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp := o.Experiment()
		if exp == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no experiment configured"})
			return
		}
		var req ControlRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "stopped by operator"
		}
		c.Set(reasonKey, req.Reason)
		if err := o.StopExperiment(c.Request.Context(), req.Reason); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		o.Logger().Info("experiment stopped by operator", slog.String("reason", req.Reason))
		c.JSON(http.StatusOK, exp.Status())
	}
}

// SetShadowRate changes the shadow rate at runtime.
func SetShadowRate(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ShadowRateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := o.Shadow().SetShadowRate(*req.Rate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o.Shadow().Stats())
	}
}

// HandleRoute serves one request through the orchestrator.
//
// A production failure answers 502 with the routing decision so callers
// can see which arm failed.
func HandleRoute(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RouteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r := datatypes.NewRequest(req.UserID, req.SessionID, req.Query)
		if req.Context != nil {
			r.Context = req.Context
		}

		resp, err := o.Handle(c.Request.Context(), r)
		out := RouteResponse{Response: resp, Payload: resp.Payload}
		if err != nil {
			out.Error = err.Error()
			c.JSON(http.StatusBadGateway, out)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// RecordFeedback accepts late user feedback for a served request.
func RecordFeedback(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FeedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o.RecordFeedback(c.Request.Context(), req.RequestID, req.UserID, req.Satisfaction, req.Converted)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}
