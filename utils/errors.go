package utils

import "fmt"

// GenericError carries an HTTP-status-shaped error type so repositories and
// services can surface conflict/not-found semantics without importing the
// transport layer.
type GenericError struct {
	Message string
	Type    int
}

func (g *GenericError) Error() string {
	return fmt.Sprintf("error(%d): %s", g.Type, g.Message)
}

func HTTPGenericError(httpStatus int, errorMessage string) *GenericError {
	return &GenericError{
		Type:    httpStatus,
		Message: errorMessage,
	}
}
