package builds

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/adapters/dto"
	"github.com/bindery-io/bindery/internal/boundaries/out"
)

// SubmitRateLimit returns middleware enforcing a per-client token bucket
// on build submissions. Keys derive from the client IP echo resolves via
// the configured IPExtractor, so trusted-proxy handling stays in one
// place. A nil limiter disables the guard.
func SubmitRateLimit(limiter out.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter != nil && !limiter.Allow(c.Request().Context(), "ip:"+c.RealIP()) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: "rate limit exceeded"})
			}
			return next(c)
		}
	}
}

// TrustedProxyExtractor builds the client IP extractor. X-Forwarded-For
// is honored only when the direct peer is one of the given proxy IPs or
// CIDR ranges; this prevents spoofed client IPs from defeating the
// per-client rate limit when the service is exposed directly. With no
// proxies configured the client IP is always the connection peer.
func TrustedProxyExtractor(proxies []string) echo.IPExtractor {
	if len(proxies) == 0 {
		return echo.ExtractIPDirect()
	}

	options := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, proxy := range proxies {
		_, ipNet, err := net.ParseCIDR(proxy)
		if err != nil {
			ip := net.ParseIP(proxy)
			if ip == nil {
				log.Warn().Str("proxy", proxy).Msg("Ignoring unparseable trusted proxy")
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		options = append(options, echo.TrustIPRange(ipNet))
	}
	return echo.ExtractIPFromXFFHeader(options...)
}

// AccessLogger logs every handled request at debug level.
func AccessLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("remote_ip", v.RemoteIP).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("Request handled")
			return nil
		},
	})
}
