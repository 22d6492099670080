package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/tenantctx"
)

const (
	HeaderTenancy    = "X-Tenancy-Id"
	HeaderAdminKey   = "X-Admin-Api-Key"
	HeaderAccessType = "X-Access-Type"
	HeaderClientUser = "X-Client-User-Id"
)

// TenancyContext resolves the active tenancy from the request header and
// stores it on the request context. All API routes are tenancy-scoped.
func TenancyContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenancyID := strings.TrimSpace(c.GetHeader(HeaderTenancy))
		if tenancyID == "" {
			AbortWithError(c, ErrMissingTenancy)
			return
		}
		c.Request = c.Request.WithContext(tenantctx.WithTenancyID(c.Request.Context(), tenancyID))
		c.Next()
	}
}

// AdminRequired guards operator routes behind the shared admin key.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.isAdmin(c) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) isAdmin(c *gin.Context) bool {
	key := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
	if s.cfg.AdminAPIKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) == 1
}

// accessType classifies the caller. The service runs behind a gateway that
// strips inbound X-Access-Type headers from untrusted traffic, so a server
// marker here is already authenticated upstream.
func (s *Server) accessType(c *gin.Context) catalog.AccessType {
	if s.isAdmin(c) {
		return catalog.AccessAdmin
	}
	if strings.EqualFold(strings.TrimSpace(c.GetHeader(HeaderAccessType)), "server") {
		return catalog.AccessServer
	}
	return catalog.AccessClient
}

// ensureClientCanAccessCustomer lets end users touch only their own data.
// Server and admin callers pass unconditionally; clients must present the
// matching user identity, and never reach team or custom customers directly.
func (s *Server) ensureClientCanAccessCustomer(c *gin.Context, access catalog.AccessType, customerType catalog.CustomerType, customerID string) error {
	if access != catalog.AccessClient {
		return nil
	}
	if customerType != catalog.CustomerTypeUser {
		return ErrForbidden
	}
	if strings.TrimSpace(c.GetHeader(HeaderClientUser)) != customerID {
		return ErrForbidden
	}
	return nil
}
