package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// localOnly rejects requests that do not come from a loopback address.
func localOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLocalRequest(c) {
			respondError(c, http.StatusForbidden, "local access only")
			c.Abort()
			return
		}
		c.Next()
	}
}

func isLocalRequest(c *gin.Context) bool {
	ip := getRemoteIP(c)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// getRemoteIP uses the socket peer, never forwarding headers.
func getRemoteIP(c *gin.Context) net.IP {
	remote := strings.TrimSpace(c.Request.RemoteAddr)
	if remote == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(remote)
}
