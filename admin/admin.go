// Package admin implements the administrative web service for the
// delivery queue: creating and inspecting requests, the operator actions
// (abandon, unlock, retry now), bulk file intake and the monitor
// endpoint. Handlers follow the service/wscutils idiom: every handler
// takes the gin context plus the assembled *service.Service and answers
// with the standard response envelope.
package admin

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/remiges-tech/sureq/insure"
	"github.com/remiges-tech/sureq/insure/pg"
	"github.com/remiges-tech/sureq/service"
	"github.com/remiges-tech/sureq/wscutils"
)

// Dependency keys looked up in service.Dependencies.
const (
	DepRedis    = "redis"    // *redis.Client (v8) for the worker liveness registry
	DepIntake   = "intake"   // *intake.Server for bulk files and the URL allowlist
	DepURLCheck = "urlcheck" // func(string) bool, overrides the intake allowlist
)

// RequestStore is the slice of the request store the admin handlers use.
// *pg.Store satisfies it; tests substitute a mock.
type RequestStore interface {
	Insert(ctx context.Context, nr insure.NewRequest) (int64, error)
	Get(ctx context.Context, id int64) (insure.Request, error)
	Logs(ctx context.Context, id int64) ([]insure.AttemptLog, error)
	List(ctx context.Context, f pg.ListFilter) ([]insure.Request, error)
	StateCounts(ctx context.Context) (map[insure.RequestState]int64, error)
	Abandon(ctx context.Context, id int64) error
	AdminUnlock(ctx context.Context, id int64) error
	RetryNow(ctx context.Context, id int64) error
}

// RegisterRoutes mounts the admin endpoints on the service.
func RegisterRoutes(s *service.Service) {
	requests := s.CreateGroup("/requests")
	requests.RegisterRoute(http.MethodPost, "", HandleCreateRequest)
	requests.RegisterRoute(http.MethodGet, "", HandleListRequests)
	requests.RegisterRoute(http.MethodGet, "/:id", HandleGetRequest)
	requests.RegisterRoute(http.MethodPost, "/:id/abandon", HandleAbandonRequest)
	requests.RegisterRoute(http.MethodPost, "/:id/unlock", HandleUnlockRequest)
	requests.RegisterRoute(http.MethodPost, "/:id/retry", HandleRetryRequest)
	requests.RegisterRoute(http.MethodPost, "/file", HandleRequestFile)

	s.RegisterRoute(http.MethodGet, "/monitor", HandleMonitor)
}

// CreateRequestInput is the request body of POST /requests.
type CreateRequestInput struct {
	URL               string              `json:"url" validate:"required,max=2048"`
	Method            string              `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers           map[string][]string `json:"headers,omitempty"`
	Payload           string              `json:"payload,omitempty"`
	Priority          int                 `json:"priority,omitempty" validate:"min=0"`
	RetryFactor       int                 `json:"retryFactor,omitempty" validate:"min=0,max=10"`
	RetryInconsistent bool                `json:"retryInconsistent,omitempty"`
	MaxRetries        int                 `json:"maximumNumberOfRetries,omitempty" validate:"min=0"`
	TimeoutSeconds    int                 `json:"timeoutInSeconds,omitempty" validate:"min=0,max=300"`
}

// HandleCreateRequest enqueues a new delivery request in the ready state.
func HandleCreateRequest(c *gin.Context, s *service.Service) {
	store := s.Database.(RequestStore)

	var input CreateRequestInput
	if err := wscutils.BindJSON(c, &input); err != nil {
		return
	}

	validationErrors := wscutils.WscValidate(input, func(err validator.FieldError) []string {
		switch err.Tag() {
		case "oneof", "max", "min":
			return []string{err.Param()}
		default:
			return []string{}
		}
	})
	if len(validationErrors) > 0 {
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		return
	}

	if u, err := url.Parse(input.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		field := "url"
		msg := wscutils.BuildErrorMessage(wscutils.ErrcodeInvalidRequest, &field)
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
		return
	}

	if !urlAllowed(s, input.URL) {
		field := "url"
		msg := wscutils.BuildErrorMessage(wscutils.ErrcodeURLNotAllowed, &field)
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
		return
	}

	id, err := store.Insert(c.Request.Context(), insure.NewRequest{
		Priority:          input.Priority,
		URL:               input.URL,
		Method:            input.Method,
		Headers:           input.Headers,
		Payload:           input.Payload,
		RetryFactor:       input.RetryFactor,
		RetryInconsistent: input.RetryInconsistent,
		MaxRetries:        input.MaxRetries,
		TimeoutSeconds:    input.TimeoutSeconds,
	})
	if err != nil {
		s.Logger.Error(err).LogActivity("request insert failed", map[string]any{"url": input.URL})
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.ErrcodeDatabaseError))
		return
	}

	s.Logger.Info().LogActivity("request enqueued", map[string]any{
		"id":     id,
		"url":    input.URL,
		"method": input.Method,
	})
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"id": id}))
}

// HandleListRequests lists requests, optionally filtered by state and age.
// Query parameters: state, maxAgeSeconds, limit, offset.
func HandleListRequests(c *gin.Context, s *service.Service) {
	store := s.Database.(RequestStore)

	var f pg.ListFilter
	if state := c.Query("state"); state != "" {
		rs := insure.RequestState(state)
		if !validState(rs) {
			field := "state"
			msg := wscutils.BuildErrorMessage(wscutils.ErrcodeInvalidRequest, &field, state)
			c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
			return
		}
		f.State = rs
	}
	if v := c.Query("maxAgeSeconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			field := "maxAgeSeconds"
			msg := wscutils.BuildErrorMessage(wscutils.ErrcodeInvalidRequest, &field, v)
			c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
			return
		}
		f.MaxAge = time.Duration(secs) * time.Second
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	reqs, err := store.List(c.Request.Context(), f)
	if err != nil {
		s.Logger.Error(err).LogActivity("request list failed", nil)
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.ErrcodeDatabaseError))
		return
	}

	out := make([]RequestView, 0, len(reqs))
	for i := range reqs {
		out = append(out, viewOf(&reqs[i]))
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"requests": out}))
}

// HandleGetRequest returns one request with its attempt history.
func HandleGetRequest(c *gin.Context, s *service.Service) {
	store := s.Database.(RequestStore)

	id, ok := pathID(c)
	if !ok {
		return
	}

	req, err := store.Get(c.Request.Context(), id)
	if errors.Is(err, insure.ErrRequestNotFound) {
		c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(wscutils.ErrcodeRequestNotFound))
		return
	}
	if err != nil {
		s.Logger.Error(err).LogActivity("request get failed", map[string]any{"id": id})
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.ErrcodeDatabaseError))
		return
	}

	logs, err := store.Logs(c.Request.Context(), id)
	if err != nil {
		s.Logger.Error(err).LogActivity("request logs failed", map[string]any{"id": id})
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.ErrcodeDatabaseError))
		return
	}

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"request":  viewOf(&req),
		"attempts": logs,
	}))
}

// HandleAbandonRequest gives up on a request for good.
func HandleAbandonRequest(c *gin.Context, s *service.Service) {
	operatorAction(c, s, "abandon", func(store RequestStore, id int64) error {
		return store.Abandon(c.Request.Context(), id)
	})
}

// HandleUnlockRequest releases a stuck pending row back to ready.
func HandleUnlockRequest(c *gin.Context, s *service.Service) {
	operatorAction(c, s, "unlock", func(store RequestStore, id int64) error {
		return store.AdminUnlock(c.Request.Context(), id)
	})
}

// HandleRetryRequest promotes a waiting row, or resurrects a failed one.
func HandleRetryRequest(c *gin.Context, s *service.Service) {
	operatorAction(c, s, "retry", func(store RequestStore, id int64) error {
		return store.RetryNow(c.Request.Context(), id)
	})
}

// operatorAction runs one id-addressed store mutation and maps its
// errors onto the response envelope.
func operatorAction(c *gin.Context, s *service.Service, name string, fn func(RequestStore, int64) error) {
	store := s.Database.(RequestStore)

	id, ok := pathID(c)
	if !ok {
		return
	}

	err := fn(store, id)
	switch {
	case err == nil:
		s.Logger.Info().LogActivity("operator action", map[string]any{"action": name, "id": id})
		wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"id": id}))
	case errors.Is(err, insure.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(wscutils.ErrcodeRequestNotFound))
	case errors.Is(err, insure.ErrTerminalState):
		c.JSON(http.StatusConflict, wscutils.NewErrorResponse(wscutils.ErrcodeTerminalState))
	case errors.Is(err, insure.ErrNotPending):
		c.JSON(http.StatusConflict, wscutils.NewErrorResponse(wscutils.ErrcodeNotPending))
	default:
		s.Logger.Error(err).LogActivity("operator action failed", map[string]any{"action": name, "id": id})
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.ErrcodeDatabaseError))
	}
}

// pathID parses the :id path parameter, answering 400 itself on garbage.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		field := "id"
		msg := wscutils.BuildErrorMessage(wscutils.ErrcodeInvalidRequest, &field, c.Param("id"))
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
		return 0, false
	}
	return id, true
}

func validState(s insure.RequestState) bool {
	switch s {
	case insure.StateReady, insure.StatePending, insure.StateWaiting,
		insure.StateCompleted, insure.StateFailed, insure.StateAbandoned:
		return true
	}
	return false
}

func urlAllowed(s *service.Service, rawURL string) bool {
	if v, ok := s.Dependencies[DepURLCheck]; ok {
		if check, ok := v.(func(string) bool); ok {
			return check(rawURL)
		}
	}
	return true
}

// RequestView is the wire form of a request row. Headers are omitted:
// they may contain credentials and stay sealed in the store.
type RequestView struct {
	ID             int64      `json:"id"`
	Priority       int        `json:"priority"`
	URL            string     `json:"url"`
	Method         string     `json:"method"`
	Payload        string     `json:"payload,omitempty"`
	State          string     `json:"state"`
	StateChangedAt time.Time  `json:"stateChangedAt"`
	RetryAt        *time.Time `json:"retryAt,omitempty"`
	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maximumNumberOfRetries,omitempty"`
	TimeoutSeconds int        `json:"timeoutInSeconds,omitempty"`
	LockedAt       *time.Time `json:"lockedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	AbandonedAt    *time.Time `json:"abandonedAt,omitempty"`
	TimingsCPUMs   float64    `json:"cpuMs"`
	TimingsWallMs  float64    `json:"wallMs"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func viewOf(r *insure.Request) RequestView {
	return RequestView{
		ID:             r.ID,
		Priority:       r.Priority,
		URL:            r.URL,
		Method:         r.Method,
		Payload:        r.Payload,
		State:          string(r.State),
		StateChangedAt: r.StateChangedAt,
		RetryAt:        r.RetryAt,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		TimeoutSeconds: r.TimeoutSeconds,
		LockedAt:       r.LockedAt,
		CompletedAt:    r.CompletedAt,
		AbandonedAt:    r.AbandonedAt,
		TimingsCPUMs:   r.TimingsCPUMs,
		TimingsWallMs:  r.TimingsWallMs,
		CreatedAt:      r.CreatedAt,
	}
}
