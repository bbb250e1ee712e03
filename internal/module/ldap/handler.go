package ldap

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	ldapc "gpuquota/internal/pkg/client/ldap"
	"gpuquota/internal/pkg/common/response"
)

type mailLookup interface {
	GetUserMail(ctx context.Context, uid string) (string, error)
}

// lookup returns the directory client used for notification addresses, nil
// when LDAP lookup is not configured. Replaced in tests.
var lookup = func() mailLookup {
	if c := ldapc.Default(); c != nil {
		return c
	}
	return nil
}

// UserMail is the address quota notifications for UID are sent to.
type UserMail struct {
	UID  string `json:"uid"`
	Mail string `json:"mail"`
}

// HandlerGetUserMail resolves the notification address of a user from the
// directory.
func HandlerGetUserMail(c *gin.Context) {
	cli := lookup()
	if cli == nil {
		c.JSON(http.StatusNotFound, response.Response{Detail: "ldap lookup not configured"})
		return
	}
	uid := strings.TrimSpace(c.Param("uid"))
	if uid == "" {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "uid is required"})
		return
	}

	mail, err := cli.GetUserMail(c.Request.Context(), uid)
	if errors.Is(err, ldapc.ErrNoMail) {
		c.JSON(http.StatusNotFound, response.Response{Detail: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, response.Response{Detail: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: UserMail{UID: uid, Mail: mail}})
}
