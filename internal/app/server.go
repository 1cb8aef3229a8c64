package app

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bindery-io/bindery/internal/adapters/in/http/builds"
	"github.com/bindery-io/bindery/internal/adapters/out/ratelimit"
	"github.com/bindery-io/bindery/internal/boundaries/in"
	"github.com/bindery-io/bindery/internal/config"
)

// newServer assembles the echo instance serving the build API.
func newServer(cfg *config.Config, service in.BuildService) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = builds.TrustedProxyExtractor(cfg.Server.TrustedProxies)
	e.Use(builds.AccessLogger(), middleware.Recover())
	if cfg.Server.MaxBodySize != "" {
		e.Use(middleware.BodyLimit(cfg.Server.MaxBodySize))
	}

	limiter := ratelimit.NewMemoryStore(cfg.Server.RateLimit, cfg.Server.RateBurst)
	builds.NewHandler(service).Register(e, builds.SubmitRateLimit(limiter))
	return e
}
