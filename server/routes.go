package server

import (
	"github.com/presenton/auth-service/internal/obs"
)

func (s *Server) initRoutes() {
	limited := s.RateLimitMiddleware(10, 20)

	// Login & Logout
	s.RegisterRouteFunc("GET "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.APIMiddleware(limited)...))
	s.RegisterRouteFunc("POST "+RouteAuthLogin, ChainMiddleware(s.BasicLoginHandler(), s.APIMiddleware(limited)...))
	s.RegisterRouteFunc("GET "+RouteAuthCallback, ChainMiddleware(s.CallbackHandler(), s.APIMiddleware(limited)...))
	s.RegisterRouteFunc("POST "+RouteAuthCallback, ChainMiddleware(s.CallbackHandler(), s.APIMiddleware(limited)...)) // For form_post response mode
	s.RegisterRouteFunc("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware()...))

	// Session status & refresh
	s.RegisterRouteFunc("GET "+RouteAuthCheck, ChainMiddleware(s.CheckHandler(), s.APIMiddleware(s.AuthGuardMiddleware)...))
	s.RegisterRouteFunc("GET "+RouteAuthToken, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteAuthMe, ChainMiddleware(s.MeHandler(), s.APIMiddleware(s.AuthGuardMiddleware, s.RequireAuth())...))

	// Operational
	s.RegisterRouteHandler("GET "+RouteMetrics, obs.Handler())
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
}
