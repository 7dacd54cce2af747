package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"

	"github.com/remiges-tech/sureq/insure"
	"github.com/remiges-tech/sureq/insure/intake"
	"github.com/remiges-tech/sureq/service"
	"github.com/remiges-tech/sureq/wscutils"
)

// HandleMonitor reports queue depth by state and the alive worker
// instances. Worker liveness comes from the redis registry when a
// redis client was wired in; without one the field is null.
func HandleMonitor(c *gin.Context, s *service.Service) {
	store := s.Database.(RequestStore)

	counts, err := store.StateCounts(c.Request.Context())
	if err != nil {
		s.Logger.Error(err).LogActivity("state counts failed", nil)
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(wscutils.ErrcodeDatabaseError))
		return
	}

	var workers []string
	if v, ok := s.Dependencies[DepRedis]; ok {
		if client, ok := v.(*redis.Client); ok {
			workers, err = insure.AliveWorkers(c.Request.Context(), client)
			if err != nil {
				s.Logger.Error(err).LogActivity("worker registry read failed", nil)
				// Queue depth is still useful without liveness.
				workers = nil
			}
		}
	}

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"states":  counts,
		"workers": workers,
	}))
}

// RequestFileInput is the request body of POST /requests/file. File is
// either the file contents or the ID of an object already staged in the
// incoming bucket.
type RequestFileInput struct {
	File     string `json:"file" validate:"required"`
	Filename string `json:"filename" validate:"required"`
	Filetype string `json:"filetype" validate:"required"`
}

// HandleRequestFile pushes a bulk request file through the intake server.
func HandleRequestFile(c *gin.Context, s *service.Service) {
	v, ok := s.Dependencies[DepIntake]
	if !ok {
		c.JSON(http.StatusNotImplemented, wscutils.NewErrorResponse(wscutils.ErrcodeMissing))
		return
	}
	srv := v.(*intake.Server)

	var input RequestFileInput
	if err := wscutils.BindJSON(c, &input); err != nil {
		return
	}
	validationErrors := wscutils.WscValidate(input, func(err validator.FieldError) []string {
		return []string{}
	})
	if len(validationErrors) > 0 {
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		return
	}

	ids, objectID, err := srv.ProcessFile(c.Request.Context(), input.File, input.Filename, input.Filetype)
	if err != nil {
		field := "file"
		msg := wscutils.BuildErrorMessage(wscutils.ErrcodeInvalidRequest, &field, err.Error())
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{msg}))
		return
	}

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"ids":    ids,
		"object": objectID,
	}))
}
