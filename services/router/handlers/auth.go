// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRouter/pkg/extensions"
)

// authInfoKey is the gin context key holding the caller's *extensions.AuthInfo.
const authInfoKey = "auth_info"

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Authenticate validates the bearer token and stores the caller identity.
// Failures answer 401 and are audited as auth.failed.
func Authenticate(opts extensions.ServiceOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		info, err := opts.AuthProvider.Validate(ctx, bearerToken(c))
		if err != nil {
			_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
				EventType: "auth.failed",
				Timestamp: time.Now().UTC(),
				Outcome:   "denied",
				Metadata: map[string]any{
					"path":   c.Request.URL.Path,
					"remote": c.ClientIP(),
				},
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

// Authorize checks the caller may perform action on resource.
//
// Description:
//
//	Denials answer 403 and are audited as authz.denied. Control actions
//	that complete with a status below 400 are audited as
//	"<resource>.<last path segment>", carrying the request reason when the
//	handler set one.
func Authorize(opts extensions.ServiceOptions, action, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		info, _ := c.Get(authInfoKey)
		user, _ := info.(*extensions.AuthInfo)
		userID := ""
		if user != nil {
			userID = user.UserID
		}

		if err := opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
			User:         user,
			Action:       action,
			ResourceType: resource,
		}); err != nil {
			_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
				EventType:    "authz.denied",
				Timestamp:    time.Now().UTC(),
				UserID:       userID,
				Action:       action,
				ResourceType: resource,
				Outcome:      "denied",
				Metadata: map[string]any{
					"path":   c.Request.URL.Path,
					"reason": err.Error(),
				},
			})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}

		c.Next()

		if action != extensions.ActionControl {
			return
		}
		outcome := "success"
		if c.Writer.Status() >= http.StatusBadRequest {
			outcome = "failure"
		}
		meta := map[string]any{"status": c.Writer.Status()}
		if reason := c.GetString(reasonKey); reason != "" {
			meta["reason"] = reason
		}
		_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    resource + "." + path.Base(c.FullPath()),
			Timestamp:    time.Now().UTC(),
			UserID:       userID,
			Action:       action,
			ResourceType: resource,
			Outcome:      outcome,
			Metadata:     meta,
		})
	}
}
