package utils

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"minevault-backend/internal/errors"
)

// SendErrorResponse sends a standardized error response. Messages pass
// through as-is: AppError messages are written to never contain key
// material or payload contents.
func SendErrorResponse(c *gin.Context, statusCode int, appErr *errors.AppError) {
	if appErr == nil {
		appErr = &errors.AppError{Code: "UNKNOWN_ERROR", Message: "An unexpected error occurred"}
	}

	c.JSON(statusCode, gin.H{
		"error":   appErr.Code,
		"message": appErr.Message,
		"details": appErr.Details,
	})

	if statusCode >= http.StatusInternalServerError {
		extras := map[string]interface{}{
			"status_code": statusCode,
			"error_code":  appErr.Code,
		}
		if c != nil && c.FullPath() != "" {
			extras["route"] = c.FullPath()
		}
		CaptureSentryError(c, appErr.Err, fmt.Sprintf("SendErrorResponse:%s", appErr.Code), extras)
	}
}

// HandleError logs an error with context
func HandleError(err error, context string) {
	if err != nil {
		log.Printf("Error in %s: %v", context, err)
		CaptureSentryError(nil, err, context, nil)
	}
}
