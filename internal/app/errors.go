package app

import (
	"fmt"
	"net/http"
)

// DomainError is a service-layer error that already knows its HTTP shape.
// mapError renders it as {code, message, details}.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(code, message string) *DomainError {
	return domainError(http.StatusNotFound, code, message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

// errStorageUnavailable covers every document operation that needs the blob
// store when MINIO_ENDPOINT was never configured.
func errStorageUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Document storage not configured", nil)
}
