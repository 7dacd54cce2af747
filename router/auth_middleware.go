package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/remiges-tech/sureq/logger"
	"github.com/remiges-tech/sureq/wscutils"
)

// CtxKeyAuthError carries the verification error for downstream
// middleware, alongside the CtxKey* values set by TimeoutMiddleware.
const CtxKeyAuthError = "_auth_error"

// TokenCache remembers bearer tokens that already passed OIDC
// verification, so the admin endpoints do not round-trip to the
// provider on every request.
type TokenCache interface {
	Get(token string) (bool, error)
	Set(token string) error
}

const DefaultExpiration = 30 * time.Second

// RedisTokenCache is the shared TokenCache for multi-instance
// deployments. Entries expire so a revoked token gets re-verified.
type RedisTokenCache struct {
	client     *redis.Client
	expiration time.Duration
}

func NewRedisTokenCache(addr string, password string, db int, expiration time.Duration) TokenCache {
	if expiration == 0 {
		expiration = DefaultExpiration
	}
	return &RedisTokenCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		expiration: expiration,
	}
}

func (r *RedisTokenCache) Set(token string) error {
	return r.client.Set(context.Background(), token, true, r.expiration).Err()
}

func (r *RedisTokenCache) Get(token string) (bool, error) {
	n, err := r.client.Exists(context.Background(), token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AuthMiddleware guards the admin routes with OIDC bearer tokens.
type AuthMiddleware struct {
	Verifier *oidc.IDTokenVerifier
	Cache    TokenCache
	Logger   logger.Logger
}

func NewAuthMiddleware(clientID string, provider *oidc.Provider, cache TokenCache, l logger.Logger) (*AuthMiddleware, error) {
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &AuthMiddleware{Verifier: verifier, Cache: cache, Logger: l}, nil
}

// MiddlewareFunc rejects requests without a verifiable bearer token.
// A cache hit skips the provider; a fresh token is verified against
// the provider and then cached.
func (a *AuthMiddleware) MiddlewareFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := ExtractToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, wscutils.NewErrorResponse(wscutils.ErrcodeTokenMissing))
			return
		}

		cached, err := a.Cache.Get(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, wscutils.NewErrorResponse(wscutils.ErrcodeTokenCacheFailed))
			return
		}
		if cached {
			c.Next()
			return
		}

		if _, err := a.Verifier.Verify(context.Background(), token); err != nil {
			a.Logger.Log(fmt.Sprintf("token verification failed: %v", err))
			c.Set(CtxKeyAuthError, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, wscutils.NewErrorResponse(wscutils.ErrcodeTokenVerificationFailed))
			return
		}
		if err := a.Cache.Set(token); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, wscutils.NewErrorResponse(wscutils.ErrcodeTokenCacheFailed))
			return
		}

		c.Next()
	}
}

// ExtractToken pulls the token out of an Authorization header.
func ExtractToken(headerValue string) (string, error) {
	token, ok := strings.CutPrefix(headerValue, "Bearer ")
	if !ok {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	if token == "" {
		return "", fmt.Errorf("authorization header carries no token")
	}
	return token, nil
}
