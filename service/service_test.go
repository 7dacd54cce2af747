package service_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/sureq/config"
	"github.com/remiges-tech/sureq/service"
)

type MockConfig struct{}

func (mc *MockConfig) LoadConfig(c any) error {
	return nil
}

func (mc *MockConfig) Check() error {
	return nil
}

func (mc *MockConfig) Get(key string) (string, error) {
	return "dummy", nil
}

func (mc *MockConfig) Watch(ctx context.Context, key string, events chan<- config.Event) error {
	return nil
}

func TestWithConfig(t *testing.T) {
	cfg := &MockConfig{} // Create a mock config

	s := service.NewService(nil) // Create a new service with nil router

	s.WithConfig(cfg) // Call WithConfig method

	if s.Config != cfg { // Check if Config field is correctly set
		t.Errorf("WithConfig() = %v, want %v", s.Config, cfg)
	}
}

func TestWithDependency(t *testing.T) {
	s := service.NewService(nil)
	s.WithDependency("redis", "client")

	value, ok := s.Dependencies["redis"]
	if !ok || value != "client" {
		t.Errorf("WithDependency() stored %v, want %q", value, "client")
	}
}

func TestGroupHandlerReceivesService(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	s := service.NewService(router).WithDatabase("store")
	group := s.CreateGroup("/requests")
	group.RegisterRoute(http.MethodGet, "/", func(c *gin.Context, svc *service.Service) {
		if svc.Database != "store" {
			t.Errorf("handler received Database %v, want %q", svc.Database, "store")
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/requests/", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

// Example demonstrates how to build the admin service and register routes.
func Example() {
	// router := gin.Default()

	// // Request management endpoints, authenticated.
	// adminService := NewService(router).WithLogger(logger).WithDatabase(store)
	// requests := adminService.CreateGroup("/requests")
	// requests.Group.Use(authMiddleware)
	// requests.RegisterRoute(http.MethodPost, "/", admin.HandleCreateRequest)
	// requests.RegisterRoute(http.MethodGet, "/", admin.HandleListRequests)
	// requests.RegisterRoute(http.MethodGet, "/:id", admin.HandleGetRequest)

	// // Monitoring endpoints without authentication.
	// adminService.RegisterRoute(http.MethodGet, "/monitor", admin.HandleMonitor)

	// router.Run(":8080")
}
