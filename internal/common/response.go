package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Uniform JSON envelope for every endpoint: code 0 means success,
// non-zero codes identify the failure class for API clients.

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
