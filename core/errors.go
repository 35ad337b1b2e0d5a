package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ClientErrorFormat     = "SKYSPARK_FORMAT_ERROR"
	ClientErrorAuth       = "SKYSPARK_AUTH_ERROR"
	ClientErrorServer     = "SKYSPARK_SERVER_ERROR"
	ClientErrorCommit     = "SKYSPARK_COMMIT_ERROR"
	ClientErrorConnection = "SKYSPARK_CONNECTION_ERROR"
	ClientErrorBadInput   = "SKYSPARK_BAD_INPUT"
	ClientErrorNotFound   = "SKYSPARK_NOT_FOUND"
	ClientErrorInternal   = "SKYSPARK_INTERNAL_ERROR"
)

type ErrorMapper func(err error) *goerrors.Error

// ClientErrorMapper normalizes arbitrary errors into the client's error
// envelope, preserving envelopes that already carry a text code.
func ClientErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureClientErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "authenticat"), strings.Contains(msg, "handshake"):
		return newClientError(err.Error(), goerrors.CategoryAuth, ClientErrorAuth)
	case strings.Contains(msg, "not found"):
		return newClientError(err.Error(), goerrors.CategoryNotFound, ClientErrorNotFound)
	case strings.Contains(msg, "commit"):
		return newClientError(err.Error(), goerrors.CategoryOperation, ClientErrorCommit)
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "parse"):
		return newClientError(err.Error(), goerrors.CategoryValidation, ClientErrorFormat)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newClientError(err.Error(), goerrors.CategoryBadInput, ClientErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureClientErrorEnvelope(mapped)
}

func newClientError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureClientErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureClientErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = clientHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultClientTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultClientTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return ClientErrorBadInput
	case goerrors.CategoryValidation:
		return ClientErrorFormat
	case goerrors.CategoryNotFound:
		return ClientErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ClientErrorAuth
	case goerrors.CategoryOperation:
		return ClientErrorCommit
	case goerrors.CategoryExternal:
		return ClientErrorServer
	default:
		return ClientErrorInternal
	}
}

func clientHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func hasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(richErr.TextCode), textCode)
}

// IsFormatError reports whether err is a codec-level failure. Codec errors
// are never retried.
func IsFormatError(err error) bool { return hasTextCode(err, ClientErrorFormat) }

// IsAuthenticationError reports whether err is a handshake failure or a
// twice-rejected credential.
func IsAuthenticationError(err error) bool { return hasTextCode(err, ClientErrorAuth) }

// IsServerError reports whether err is a transient failure that survived
// the retry budget, or an unclassified 5xx.
func IsServerError(err error) bool { return hasTextCode(err, ClientErrorServer) }

// IsCommitError reports whether the server rejected the semantic content
// of a request, including in-band errors inside a 200 envelope.
func IsCommitError(err error) bool { return hasTextCode(err, ClientErrorCommit) }

// IsConnectionError reports whether the transport failed before any HTTP
// status was observed.
func IsConnectionError(err error) bool { return hasTextCode(err, ClientErrorConnection) }

// IsNotFoundError reports whether the server had no entity for the request.
func IsNotFoundError(err error) bool { return hasTextCode(err, ClientErrorNotFound) }
