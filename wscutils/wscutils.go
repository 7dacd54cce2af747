// Package wscutils carries the standard request/response envelope of
// the sureq web services and the validation helpers the handlers share.
// Every response has a status, a data payload and a list of messages;
// error messages carry a machine-readable code plus a numeric id looked
// up from a YAML table so that operator tooling can match on either.
package wscutils

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	SuccessStatus = "success"
	ErrorStatus   = "error"
)

// Request is the standard envelope of an incoming request body.
type Request struct {
	Data any `json:"data" binding:"required"`
}

// Response is the standard envelope of an outgoing response body.
type Response struct {
	Status   string         `json:"status"`
	Data     any            `json:"data"`
	Messages []ErrorMessage `json:"messages"`
}

// ErrorMessage is one entry of the messages list of an error response.
type ErrorMessage struct {
	MsgID   int      `json:"msgid"`
	ErrCode string   `json:"errcode"`
	Field   *string  `json:"field,omitempty"`
	Vals    []string `json:"vals,omitempty"`
}

// errorTypes maps error codes to message ids, loaded at startup.
var errorTypes map[string]int

// LoadErrorTypes reads the errcode-to-msgid table from r (YAML).
func LoadErrorTypes(r io.Reader) {
	raw, err := io.ReadAll(r)
	if err != nil {
		log.Fatalf("Failed to read error types: %v", err)
	}
	if err := yaml.Unmarshal(raw, &errorTypes); err != nil {
		log.Panic(err)
	}
}

// WscValidate validates data against its struct tags and returns the
// failures as ErrorMessages. Request-specific vals are supplied by the
// caller through getVals because only the handler knows them.
func WscValidate[T any](data T, getVals func(err validator.FieldError) []string) []ErrorMessage {
	var validationErrors []ErrorMessage

	validate := validator.New()
	err := validate.Struct(data)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, err := range validationErrs {
				vals := getVals(err)
				field := err.Field()
				validationErrors = append(validationErrors, BuildErrorMessage(err.Tag(), &field, vals...))
			}
		}
	}
	return validationErrors
}

// BuildErrorMessage assembles an ErrorMessage for errcode, resolving
// its message id from the loaded table. Unknown codes fall back to the
// "unknown" entry.
func BuildErrorMessage(errcode string, fieldName *string, vals ...string) ErrorMessage {
	msgid, exists := errorTypes[errcode]
	if !exists {
		log.Printf("Unrecognized errcode: %s", errcode)
		msgid = errorTypes[ErrcodeUnknown]
	}
	return ErrorMessage{
		MsgID:   msgid,
		ErrCode: errcode,
		Field:   fieldName,
		Vals:    vals,
	}
}

// NewResponse assembles a response envelope.
func NewResponse(status string, data any, messages []ErrorMessage) *Response {
	return &Response{Status: status, Data: data, Messages: messages}
}

// NewSuccessResponse wraps data in a success envelope.
func NewSuccessResponse(data any) *Response {
	return NewResponse(SuccessStatus, data, nil)
}

// NewErrorResponse builds an error envelope with a single message.
func NewErrorResponse(errcode string) *Response {
	return NewResponse(ErrorStatus, nil, []ErrorMessage{BuildErrorMessage(errcode, nil)})
}

// BindJSON binds the incoming envelope to data, answering 400 with the
// standard error envelope on malformed JSON.
func BindJSON(c *gin.Context, data any) error {
	req := Request{Data: data}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJsonError := BuildErrorMessage(ErrcodeInvalidJson, nil)
		c.JSON(http.StatusBadRequest, NewResponse(ErrorStatus, nil, []ErrorMessage{invalidJsonError}))
		return err
	}
	return nil
}

// SendSuccessResponse sends a 200 with the envelope.
func SendSuccessResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusOK, response)
}

// SendErrorResponse sends a 400 with the envelope.
func SendErrorResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusBadRequest, response)
}
