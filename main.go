package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/appleboy/graceful"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recallgate/recallgate/internal/cache"
	"github.com/recallgate/recallgate/internal/config"
	"github.com/recallgate/recallgate/internal/core"
	"github.com/recallgate/recallgate/internal/handlers"
	"github.com/recallgate/recallgate/internal/metrics"
	"github.com/recallgate/recallgate/internal/middleware"
	"github.com/recallgate/recallgate/internal/services"
	"github.com/recallgate/recallgate/internal/store"
	"github.com/recallgate/recallgate/internal/util"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.IsProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	st, err := store.New(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	var recorder core.Recorder = metrics.NewNoop()
	if cfg.MetricsEnabled {
		recorder = metrics.New()
	}

	resolutionCache, err := buildResolutionCache(cfg)
	if err != nil {
		log.Fatalf("open resolution cache: %v", err)
	}

	provenance := services.NewProvenanceService(st, recorder, cfg.ProvenanceBufferSize, cfg.AlertWebhookURL)
	if !cfg.ProvenanceEnabled {
		provenance.Disable()
	}

	identitySvc := services.NewIdentityService(st, resolutionCache, recorder, provenance, cfg.ResolutionCacheTTL)
	authzSvc := services.NewAuthorizationService(st, recorder, provenance, cfg)
	tokenSvc := services.NewTokenService(st, recorder, provenance, identitySvc, cfg)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(util.IPMiddleware())

	cookieStore := cookie.NewStore([]byte(cfg.SessionSecret))
	cookieStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   cfg.SessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.IsProduction,
	})
	router.Use(sessions.Sessions("recallgate_session", cookieStore))

	if cfg.RateLimitEnabled {
		rateLimiter, err := middleware.NewRateLimiter(cfg)
		if err != nil {
			log.Fatalf("create rate limiter: %v", err)
		}
		router.Use(rateLimiter)
	}
	if cfg.MetricsEnabled {
		router.Use(middleware.Metrics(recorder))
	}

	router.Use(middleware.Identity(identitySvc, middleware.DefaultVerifiers(tokenSvc, cfg.JWTSecret, cfg.JWTIssuer), middleware.IdentityOptions{
		SkipPaths:      cfg.SkipPaths,
		AnonymousPaths: cfg.AnonymousPaths,
	}))

	registerRoutes(router, cfg, st, resolutionCache, identitySvc, authzSvc, tokenSvc)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	m := graceful.NewManager()
	m.AddRunningJob(func(ctx context.Context) error {
		log.Printf("listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	m.AddRunningJob(func(ctx context.Context) error {
		runJanitor(ctx, st, cfg.CleanupInterval)
		return nil
	})
	m.AddShutdownJob(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
		provenance.Close()
		if err := resolutionCache.Close(); err != nil {
			log.Printf("cache close: %v", err)
		}
		return st.Close()
	})

	<-m.Done()
}

func buildResolutionCache(cfg *config.Config) (core.Cache[core.ResolvedIdentity], error) {
	if cfg.CacheBackend == config.CacheBackendRedis {
		return cache.NewRueidisCache[core.ResolvedIdentity](
			cfg.RedisAddr, "", cfg.RedisPassword, cfg.RedisDB, "recallgate")
	}
	return cache.NewMemoryCache[core.ResolvedIdentity](time.Minute), nil
}

func registerRoutes(
	router *gin.Engine,
	cfg *config.Config,
	st *store.Store,
	resolutionCache core.Cache[core.ResolvedIdentity],
	identitySvc *services.IdentityService,
	authzSvc *services.AuthorizationService,
	tokenSvc *services.TokenService,
) {
	oauthHandler := handlers.NewOAuthHandler(authzSvc, tokenSvc)
	sessionHandler := handlers.NewSessionHandler(identitySvc, time.Duration(cfg.SessionMaxAge)*time.Second, cfg.SeedOrgID)
	identityHandler := handlers.NewIdentityHandler(identitySvc, st)

	router.GET("/health", handlers.Health(st, resolutionCache))
	if cfg.MetricsEnabled {
		router.GET("/metrics", metricsGuard(cfg.MetricsToken), gin.WrapH(promhttp.Handler()))
	}

	oauth := router.Group("/oauth")
	{
		oauth.GET("/authorize", oauthHandler.Authorize)
		oauth.POST("/token", oauthHandler.Token)
		oauth.POST("/revoke", oauthHandler.Revoke)
		oauth.GET("/tokeninfo", oauthHandler.TokenInfo)
	}

	session := router.Group("/session")
	{
		session.POST("/login", sessionHandler.Login)
		session.POST("/register", sessionHandler.Register)
		session.POST("/logout", sessionHandler.Logout)
	}

	identity := router.Group("/identity")
	{
		identity.GET("/me", identityHandler.Whoami)
		identity.POST("/credentials", identityHandler.LinkCredential)
		identity.DELETE("/credentials", identityHandler.UnlinkCredential)
		identity.GET("/provenance", identityHandler.Provenance)
	}
}

// metricsGuard requires a bearer token on /metrics when one is
// configured.
func metricsGuard(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

// runJanitor garbage-collects expired authorization codes and tokens on
// an interval until shutdown.
func runJanitor(ctx context.Context, st *store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.DeleteExpiredCodes(ctx); err != nil {
				log.Printf("cleanup codes: %v", err)
			} else if n > 0 {
				log.Printf("cleaned up %d expired authorization codes", n)
			}
			if n, err := st.DeleteExpiredTokens(ctx); err != nil {
				log.Printf("cleanup tokens: %v", err)
			} else if n > 0 {
				log.Printf("cleaned up %d expired tokens", n)
			}
		}
	}
}
