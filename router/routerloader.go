package router

import (
	"context"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/sureq/logger"
)

const (
	timeout = 60 * time.Second
)

// SetupRouter builds the gin engine for the admin service with the standard
// middleware chain. The order matters: LogRequest logs after everything
// completes, gin.Recovery catches panics re-raised by TimeoutMiddleware, and
// TimeoutMiddleware runs the handler in its own goroutine.
func SetupRouter(useOIDCAuth bool, lh *logharbour.Logger, authMiddleware *AuthMiddleware) (*gin.Engine, error) {
	r := gin.New()

	r.Use(LogRequest(NewLogHarbourAdapter(lh)))
	r.Use(gin.Recovery())
	r.Use(TimeoutMiddleware(timeout))

	if useOIDCAuth {
		r.Use(authMiddleware.MiddlewareFunc())
	}

	return r, nil
}

func LoadAuthMiddleware(clientID string, providerURL string, cache TokenCache, l logger.Logger) (*AuthMiddleware, error) {
	// Define a timeout duration
	timeout := 5 * time.Second

	// Create a context with the specified timeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, providerURL)
	if err != nil {
		return nil, err
	}

	authMiddleware, err := NewAuthMiddleware(clientID, provider, cache, l)
	if err != nil {
		return nil, err
	}

	return authMiddleware, nil
}
