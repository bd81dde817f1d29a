package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"maunium.net/go/mautrix"

	"github.com/roach88/mxarchive/internal/archiver"
)

// errMalformed marks a response that could not be interpreted.
var errMalformed = errors.New("malformed response")

// classify maps a client error onto the archiver's taxonomy.
//
// Rate limits, server errors and network failures are transient. Matrix
// error codes the client cannot recover from by retrying, and responses that
// do not decode, are protocol errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *archiver.SyncError
	if errors.As(err, &se) {
		return err
	}
	return archiver.NewSyncError(code(err), op, err)
}

func code(err error) archiver.ErrorCode {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return archiver.CodeTransientNetwork
	case errors.Is(err, mautrix.MLimitExceeded):
		return archiver.CodeTransientNetwork
	case errors.Is(err, mautrix.MNotFound),
		errors.Is(err, mautrix.MForbidden),
		errors.Is(err, mautrix.MUnknownToken),
		errors.Is(err, mautrix.MBadJSON),
		errors.Is(err, mautrix.MNotJSON),
		errors.Is(err, errMalformed):
		return archiver.CodeProtocol
	}

	if status := httpStatus(err); status != 0 {
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return archiver.CodeTransientNetwork
		}
		return archiver.CodeProtocol
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return archiver.CodeProtocol
	}

	// Network errors, timeouts and anything unrecognised.
	return archiver.CodeTransientNetwork
}

func httpStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	var httpErrPtr *mautrix.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr.Response != nil {
		return httpErrPtr.Response.StatusCode
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.status
	}
	return 0
}

// statusError is a non-2xx response to a request made outside mautrix.
type statusError struct {
	status int
	resp   *mautrix.RespError
}

func (e *statusError) Error() string {
	if e.resp != nil && e.resp.ErrCode != "" {
		return http.StatusText(e.status) + ": " + e.resp.Error()
	}
	return http.StatusText(e.status)
}

func (e *statusError) Unwrap() error {
	if e.resp == nil {
		return nil
	}
	return *e.resp
}
