package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are the routes reachable without a bearer token.
var publicPaths = map[string]bool{
	"/health":                      true,
	"/metrics":                     true,
	"/api/v1/auth/signup":          true,
	"/api/v1/auth/login":           true,
	"/api/v1/auth/invited-signup":  true,
	"/api/v1/invitations/validate": true,
}

// AuthSkipper matches on the registered route path, not the raw URL.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
