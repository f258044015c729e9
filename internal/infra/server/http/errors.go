package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coachpo/brokerlink/errs"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

var codeStatus = map[errs.Code]int{
	errs.CodeInvalid:             http.StatusBadRequest,
	errs.CodeInvalidOrder:        http.StatusBadRequest,
	errs.CodeNotFound:            http.StatusNotFound,
	errs.CodeNotConnected:        http.StatusServiceUnavailable,
	errs.CodeUnavailable:         http.StatusServiceUnavailable,
	errs.CodeConnectionFailed:    http.StatusBadGateway,
	errs.CodeBroker:              http.StatusBadGateway,
	errs.CodeReconciliationFetch: http.StatusBadGateway,
}

// statusFor maps the first envelope in err's chain to an HTTP status. Errors
// without an envelope are internal.
func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, string(errs.CodeInvalid)
	}
	code, ok := errs.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal"
	}
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, string(code)
}

func (s *httpServer) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	writeError(c, status, code, err.Error())
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func invalidRequest(message string, cause error) error {
	opts := []errs.Option{errs.WithMessage(message)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeInvalid, opts...)
}
