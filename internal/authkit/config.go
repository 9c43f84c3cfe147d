package authkit

import (
	"net/http"
	"time"
)

const (
	// DefaultAccessTTL is the lifetime of access tokens.
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL is the lifetime of refresh tokens and their cookie.
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// DefaultRefreshCookieName names the cookie carrying the refresh token.
	DefaultRefreshCookieName = "refreshToken"
	// DefaultTokenIssuer is the iss claim of every token minted by the toolkit.
	DefaultTokenIssuer = "auth-toolkit"
)

// ServerConfig configures token secrets, lifetimes, and the refresh cookie.
type ServerConfig struct {
	GoogleClientID     string
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	TokenIssuer        string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	RefreshCookieName  string
	CookieDomain       string
	// Production enables Secure and SameSite=None on the refresh cookie.
	Production bool
}

func (configuration ServerConfig) refreshCookieName() string {
	if configuration.RefreshCookieName == "" {
		return DefaultRefreshCookieName
	}
	return configuration.RefreshCookieName
}

func (configuration ServerConfig) cookieSameSite() http.SameSite {
	if configuration.Production {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
