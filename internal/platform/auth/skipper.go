package auth

import (
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// Probe and scrape endpoints. They carry no credentials and no tenant.
var publicPaths = []string{"/health", "/health/db", "/metrics"}

// AuthSkipper lets probe and scrape endpoints through the JWT middleware.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

func IsPublicPath(path string) bool {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return slices.Contains(publicPaths, path)
}

// PublicPaths returns a copy of the unauthenticated endpoints, for the
// tenant middleware's skip list.
func PublicPaths() []string {
	return slices.Clone(publicPaths)
}
