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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianRouter/pkg/extensions"
	"github.com/AleutianAI/AleutianRouter/services/router/orchestrator"
)

// NewEngine creates the gin engine with recovery and tracing middleware
// and registers every route.
func NewEngine(o *orchestrator.Orchestrator, gatherer prometheus.Gatherer, serviceName string, ext extensions.ServiceOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	SetupRoutes(router, o, gatherer, ext)
	return router
}

// SetupRoutes registers the operator API.
//
// Description:
//
//	/health and /metrics are open. Everything under /v1/router requires
//	authentication; reads and the data plane (route, feedback) need the
//	read permission, while rollout controls, experiment stop and shadow
//	rate changes need control. Nil gatherer uses the default Prometheus
//	gatherer and unset extension providers fall back to no-ops.
func SetupRoutes(router *gin.Engine, o *orchestrator.Orchestrator, gatherer prometheus.Gatherer, ext extensions.ServiceOptions) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ext = ext.Normalize()

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	read := func(resource string) gin.HandlerFunc {
		return Authorize(ext, extensions.ActionRead, resource)
	}
	control := func(resource string) gin.HandlerFunc {
		return Authorize(ext, extensions.ActionControl, resource)
	}

	v1 := router.Group("/v1/router", Authenticate(ext))
	{
		v1.GET("/status", read("status"), GetStatus(o))
		v1.GET("/bandit", read("bandit"), GetBandit(o))
		v1.POST("/route", read("route"), HandleRoute(o))
		v1.POST("/feedback", read("feedback"), RecordFeedback(o))
		v1.POST("/shadow/rate", control("shadow"), SetShadowRate(o))

		ro := v1.Group("/rollout")
		{
			ro.GET("", read("rollout"), GetRollout(o))
			for _, action := range []string{"hold", "resume", "advance", "rollback", "emergency-stop", "reactivate"} {
				ro.POST("/"+action, control("rollout"), RolloutAction(o, action))
			}
		}

		exp := v1.Group("/experiment")
		{
			exp.GET("", read("experiment"), GetExperiment(o))
			exp.POST("/stop", control("experiment"), StopExperiment(o))
		}
	}
}
