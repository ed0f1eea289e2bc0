package httpserver

import (
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	apperrors "github.com/imgfloat/server-sub000/internal/platform/errors"
)

// Idle per-client buckets are dropped after this long.
const limiterIdleExpiry = 5 * time.Minute

// newRateLimiter throttles a route per client address with a token bucket of
// the given rate and burst. Denied requests get a 429 with Retry-After.
func newRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: limiterIdleExpiry,
	})
	retryAfter := strconv.Itoa(int(math.Ceil(1 / math.Max(perSecond, 0.001))))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, client string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return HandleError(c, apperrors.RateLimitedError("too many requests").WithField("client", client))
		},
	})
}
