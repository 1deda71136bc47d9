package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/go2irl/freightdesk/internal/common"
	"github.com/go2irl/freightdesk/internal/freight"
	"github.com/go2irl/freightdesk/internal/httpapi/handlers"
	"github.com/go2irl/freightdesk/internal/httpapi/middleware"
)

// NewRouter wires the tool-call surface: a catalog endpoint plus one dispatch
// endpoint per named operation invocation.
func NewRouter(svc *freight.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc)

	r.GET("/ping", h.Ping)
	r.GET("/tools", h.ListTools)
	r.POST("/tools/:name", h.CallTool)

	return r
}
