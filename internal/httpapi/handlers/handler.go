package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/go2irl/freightdesk/internal/common"
	"github.com/go2irl/freightdesk/internal/freight"
)

type Handler struct {
	Svc *freight.Service
}

func NewHandler(svc *freight.Service) *Handler {
	return &Handler{Svc: svc}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// bindArgs decodes the tool argument bag into the operation's typed request
// struct. Unknown fields are rejected at the boundary; an empty body means
// all-defaults (for operations whose arguments are all optional).
func bindArgs(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// failErr maps the error taxonomy onto HTTP statuses and envelope codes.
func failErr(c *gin.Context, err error) {
	switch freight.KindOf(err) {
	case freight.KindValidation:
		common.Fail(c, http.StatusBadRequest, 10001, err.Error())
	case freight.KindNotFound:
		common.Fail(c, http.StatusNotFound, 40401, err.Error())
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, err.Error())
	}
}

func failBind(c *gin.Context, err error) {
	common.Fail(c, http.StatusBadRequest, 10000, "invalid arguments: "+err.Error())
}
