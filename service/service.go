// Package service wires the admin web service together: a gin engine, the
// loaded configuration, the logger and the request store, plus a map for any
// further dependencies a handler needs (redis client for worker liveness,
// object store for archived response bodies, and so on).
//
// Handlers are written against *Service so they can reach these collaborators
// without package-level state. Route groups and sub-groups are supported so
// the request-management endpoints and the monitoring endpoints can carry
// different middleware.
package service

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/sureq/config"
)

// Dependencies is a map to hold arbitrary dependencies.
type Dependencies map[string]any

// Service is the core struct for the admin web service, holding essential
// components and optional dependencies.
// Note: Assert the type of a dependency before using it because the value is
// of type any.
//
// Example:
//
//	  redisClient := // create Redis client
//	  s := NewService(router).WithDependency("redis", redisClient)
//	  value, ok := s.Dependencies["redis"]
//		 if !ok {
//			 Handle missing Redis client
//		 }
//
// The Service struct also provides a set of With... methods to inject specific
// dependencies.
//
// Example:
//
//	s := NewService(router).WithLogger(logger).WithDatabase(store)
type Service struct {
	Config       config.Config
	Router       *gin.Engine
	Logger       *logharbour.Logger
	Database     any
	Dependencies Dependencies
}

// NewService constructs a new Service around the given router.
func NewService(r *gin.Engine) *Service {
	s := &Service{
		Router: r,
	}
	return s
}

// WithDependency is a method to inject an arbitrary dependency into the Service.
func (s *Service) WithDependency(key string, value any) *Service {
	if s.Dependencies == nil {
		s.Dependencies = make(Dependencies)
	}
	s.Dependencies[key] = value
	return s
}

// WithLogger is a method to inject a logger dependency into the Service.
func (s *Service) WithLogger(l *logharbour.Logger) *Service {
	s.Logger = l
	return s
}

// WithDatabase is a method to inject a database dependency into the Service.
// For the admin service this is normally the request store.
func (s *Service) WithDatabase(db any) *Service {
	s.Database = db
	return s
}

// WithConfig is a method to inject the loaded configuration source.
func (s *Service) WithConfig(c config.Config) *Service {
	s.Config = c
	return s
}

// HandlerFunc is a function that handles a request.
// It takes a *gin.Context and a *Service as parameters.
type HandlerFunc func(*gin.Context, *Service)

// RegisterRoute allows for the registration of a single route directly on the service's engine.
func (s *Service) RegisterRoute(method, path string, handler HandlerFunc) {
	wrappedHandler := func(c *gin.Context) {
		handler(c, s)
	}
	switch method {
	case http.MethodGet:
		s.Router.GET(path, wrappedHandler)
	case http.MethodPost:
		s.Router.POST(path, wrappedHandler)
	case http.MethodPut:
		s.Router.PUT(path, wrappedHandler)
	case http.MethodDelete:
		s.Router.DELETE(path, wrappedHandler)
	default:
		// Handle unsupported methods
		log.Printf("Unsupported method: %s", method)
	}
}

// RouteGroup represents a group of routes.
type RouteGroup struct {
	service *Service
	Group   *gin.RouterGroup
}

// CreateGroup creates a new route group with the given path.
func (s *Service) CreateGroup(path string) *RouteGroup {
	return &RouteGroup{
		service: s,
		Group:   s.Router.Group(path),
	}
}

// RegisterRoute allows for the registration of a single route to the route group.
func (g *RouteGroup) RegisterRoute(method, path string, handler HandlerFunc) {
	wrappedHandler := func(c *gin.Context) {
		handler(c, g.service)
	}
	switch method {
	case http.MethodGet:
		g.Group.GET(path, wrappedHandler)
	case http.MethodPost:
		g.Group.POST(path, wrappedHandler)
	case http.MethodPut:
		g.Group.PUT(path, wrappedHandler)
	case http.MethodDelete:
		g.Group.DELETE(path, wrappedHandler)
	default:
		// Handle unsupported methods
		log.Printf("Unsupported method: %s", method)
	}
}

// CreateSubGroup creates a new sub-group within the current group.
func (g *RouteGroup) CreateSubGroup(path string) *RouteGroup {
	return &RouteGroup{
		service: g.service,
		Group:   g.Group.Group(path),
	}
}
