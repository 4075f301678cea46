package controllers

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/curaious/forge/internal/services"
)

func RegisterProviderRoutes(r *router.Router, svc *services.Services) {
	// List provider variants
	r.GET("/api/orchestrator/providers", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		writeOK(ctx, stdCtx, "Providers retrieved successfully", svc.Orchestrator.Providers())
	})

	// Provider health. Serves the monitor's cached snapshot; ?refresh=true
	// forces a live probe of every provider.
	r.GET("/api/orchestrator/providers/health", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		refresh := string(ctx.QueryArgs().Peek("refresh")) == "true"

		health := svc.Orchestrator.ProviderHealth(stdCtx, refresh)
		writeOK(ctx, stdCtx, "Provider health retrieved successfully", health)
	})
}
