package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/curaious/forge/internal/api/controllers"
	"github.com/curaious/forge/internal/api/ratelimit"
)

var tracePropagator = propagation.TraceContext{}

// userRateLimit caps how many orchestration requests one user may issue.
var userRateLimit = ratelimit.Limit{Requests: 120, Window: time.Minute}

func (s *Server) initRoutes() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/api/health", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.Write([]byte("OK"))
	})

	controllers.RegisterSandboxRoutes(r, s.services)
	controllers.RegisterProviderRoutes(r, s.services)

	return s.withMiddlewares(r.Handler)
}

func (s *Server) withMiddlewares(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		applyCORS(ctx)
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		start := time.Now()
		uri := ctx.URI()
		requestURI := string(uri.FullURI())
		slog.Info("Started processing", slog.String("method", string(ctx.Method())), slog.String("request_uri", requestURI))

		h := http.Header{}
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			h[string(k)] = []string{string(v)}
		})
		traceCtx := tracePropagator.Extract(ctx, propagation.HeaderCarrier(h))
		ctx.SetUserValue("traceCtx", traceCtx)

		// Identity comes from the edge proxy. Everything except the health
		// probe requires it.
		if string(ctx.Path()) != "/api/health" {
			userID := string(ctx.Request.Header.Peek("X-User-ID"))
			if userID == "" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				return
			}
			ctx.SetUserValue("userID", userID)

			allowed, err := s.services.RateLimiter.Allow(traceCtx, userID, userRateLimit)
			if err != nil {
				slog.Warn("Rate limiter check failed, allowing request", slog.Any("error", err))
			} else if !allowed {
				ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
				return
			}
		}

		next(ctx)

		slog.Info("Finished processing", slog.String("method", string(ctx.Method())), slog.String("request_uri", requestURI), slog.Duration("duration", time.Since(start)))
	}
}

func applyCORS(ctx *fasthttp.RequestCtx) {
	headers := &ctx.Response.Header
	headers.Set("Access-Control-Allow-Origin", string(ctx.Request.Header.Peek("Origin")))
	headers.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS,PATCH")
	headers.Set("Access-Control-Allow-Headers", os.Getenv("ALLOWED_HEADERS"))
	headers.Set("Access-Control-Allow-Credentials", "true")
}
