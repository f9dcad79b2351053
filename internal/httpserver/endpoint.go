package httpserver

import "net/http"

// EndpointRoute binds one handler. Gated routes run behind the authorization
// gate and the rate limiter.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
	Gated   bool
}

// Endpoint groups the routes of one feature.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}

type funcEndpoint struct {
	name   string
	routes []EndpointRoute
}

func (e funcEndpoint) Name() string            { return e.name }
func (e funcEndpoint) Routes() []EndpointRoute { return e.routes }

func newChatEndpoint(s *Server) Endpoint {
	return funcEndpoint{name: "chat", routes: []EndpointRoute{
		{Method: http.MethodPost, Path: "/api/chat", Handler: http.HandlerFunc(s.handleChat), Gated: true},
	}}
}

func newLoginEndpoint(s *Server) Endpoint {
	return funcEndpoint{name: "login", routes: []EndpointRoute{
		{Method: http.MethodPost, Path: "/api/login", Handler: http.HandlerFunc(s.handleLogin)},
	}}
}

func newUsageEndpoint(s *Server) Endpoint {
	return funcEndpoint{name: "usage", routes: []EndpointRoute{
		{Method: http.MethodGet, Path: "/api/usage", Handler: http.HandlerFunc(s.handleUsage), Gated: true},
	}}
}

func newOpsEndpoint(s *Server) Endpoint {
	return funcEndpoint{name: "ops", routes: []EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(s.HandleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(s.HandleMetrics)},
	}}
}
