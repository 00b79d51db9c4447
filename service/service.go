/*
Package service is the HTTP control surface for the gateway: the
editing side calls deploy/sync/discard/rollback/status here, operators
manage owners, and edge nodes dial the websocket connect endpoint.
*/
package service

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/LatticeWorks/tether/archive"
	"github.com/LatticeWorks/tether/artifacts"
	"github.com/LatticeWorks/tether/config"
	"github.com/LatticeWorks/tether/gateway"
	"github.com/LatticeWorks/tether/owners"
	"github.com/LatticeWorks/tether/syncer"
	"github.com/LatticeWorks/tether/transfers"
)

type Service struct {
	appCtx context.Context
	logger *slog.Logger
	cfg    *config.Gateway

	orch        *syncer.Orchestrator
	gw          *gateway.Registry
	ownerReg    *owners.Registry
	files       *artifacts.Store
	versions    *archive.Archive
	transferLog *transfers.Log

	mux          *http.ServeMux
	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	startedAt time.Time
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Gateway,
	orch *syncer.Orchestrator,
	gw *gateway.Registry,
	ownerReg *owners.Registry,
	files *artifacts.Store,
	versions *archive.Archive,
	transferLog *transfers.Log,
) *Service {

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	for _, category := range []string{"files", "sync", "system", "default"} {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		rateLimiters[category] = cache
	}

	s := &Service{
		appCtx:       ctx,
		logger:       logger.WithGroup("service"),
		cfg:          cfg,
		orch:         orch,
		gw:           gw,
		ownerReg:     ownerReg,
		files:        files,
		versions:     versions,
		transferLog:  transferLog,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
		startedAt:    time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Service) registerRoutes() {
	// Draft file editing
	s.handle("/gateway/api/v1/files/set", s.filesSetHandler, "files", true)
	s.handle("/gateway/api/v1/files/get", s.filesGetHandler, "files", true)
	s.handle("/gateway/api/v1/files/list", s.filesListHandler, "files", true)
	s.handle("/gateway/api/v1/files/delete", s.filesDeleteHandler, "files", true)

	// Lifecycle
	s.handle("/gateway/api/v1/deploy", s.deployHandler, "sync", true)
	s.handle("/gateway/api/v1/discard", s.discardHandler, "sync", true)
	s.handle("/gateway/api/v1/rollback", s.rollbackHandler, "sync", true)
	s.handle("/gateway/api/v1/sync", s.syncHandler, "sync", true)
	s.handle("/gateway/api/v1/status", s.statusHandler, "sync", true)
	s.handle("/gateway/api/v1/history", s.historyHandler, "sync", true)
	s.handle("/gateway/api/v1/transfers", s.transfersHandler, "sync", true)

	// Commands and notices
	s.handle("/gateway/api/v1/scene/execute", s.sceneExecuteHandler, "sync", true)
	s.handle("/gateway/api/v1/config/notify", s.configNotifyHandler, "sync", true)

	// Driver authoring
	s.handle("/gateway/api/v1/driver/generate", s.driverGenerateHandler, "sync", true)
	s.handle("/gateway/api/v1/driver/sync", s.driverSyncHandler, "sync", true)

	// Owner administration
	s.handle("/gateway/api/v1/admin/owners/create", s.ownersCreateHandler, "system", true)
	s.handle("/gateway/api/v1/admin/owners/list", s.ownersListHandler, "system", true)
	s.handle("/gateway/api/v1/admin/owners/reset-token", s.ownersResetTokenHandler, "system", true)

	// Edge nodes authenticate with their own connection token.
	s.handle("/gateway/api/v1/connect", s.gw.HandleConnect, "default", false)

	s.handle("/gateway/api/v1/ping", s.pingHandler, "system", false)
}

func (s *Service) handle(path string, handler http.HandlerFunc, category string, admin bool) {
	var h http.Handler = handler
	if admin {
		h = s.adminAuthMiddleware(h)
	}
	s.mux.Handle(path, s.rateLimitMiddleware(h, category))
}

// Handler exposes the routed mux; tests mount it on httptest servers.
func (s *Service) Handler() http.Handler {
	return s.mux
}

func (s *Service) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.logger.Warn("rejected request with invalid admin token", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		s.logger.Debug("could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}
	return remoteIP
}

func (s *Service) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := s.rateLimiters[category]
	if !ok {
		limiterCategory = s.rateLimiters["default"]
	}
	ip := s.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		var rlConfig config.RateLimiterConfig
		switch category {
		case "files":
			rlConfig = s.cfg.RateLimiters.Files
		case "sync":
			rlConfig = s.cfg.RateLimiters.Sync
		case "system":
			rlConfig = s.cfg.RateLimiters.System
		default:
			rlConfig = s.cfg.RateLimiters.Default
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the context is cancelled.
func (s *Service) Run() {
	s.logger.Info("attempting to start server", "listen_addr", s.cfg.HttpBinding, "tls_enabled", (s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != ""))

	srv := &http.Server{
		Addr:    s.cfg.HttpBinding,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		s.logger.Info("starting HTTPS server", "cert", s.cfg.TLS.Cert, "key", s.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key); err != http.ErrServerClosed {
			s.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}

	for _, limiter := range s.rateLimiters {
		limiter.Stop()
	}

	s.logger.Info("server stopped")
}
