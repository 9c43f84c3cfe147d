package authkit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const messageInvalidBody = "Invalid request body"

// MountAuthRoutes registers /register, /login, /google, /logout, /refresh, and /me on router.
// Callers mount it under their API prefix, typically /api/auth.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, service *AuthService, logger *zap.Logger) {
	if service == nil {
		panic("auth service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/register", func(contextGin *gin.Context) {
		var inbound struct {
			Name     string `json:"name"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			abortWithAuthError(contextGin, newAuthError(KindInvalidInput, messageInvalidBody, err))
			return
		}
		result, registerErr := service.Register(contextGin.Request.Context(), RegisterInput{
			Name:     inbound.Name,
			Email:    inbound.Email,
			Password: inbound.Password,
		})
		if registerErr != nil {
			abortWithAuthError(contextGin, asAuthError(registerErr))
			return
		}
		writeRefreshCookie(contextGin, configuration, result.RefreshToken, service.RefreshTTL())
		contextGin.JSON(http.StatusCreated, gin.H{
			"user":        publicUser(result.User, false),
			"accessToken": result.AccessToken,
		})
	})

	router.POST("/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			abortWithAuthError(contextGin, newAuthError(KindInvalidInput, messageInvalidBody, err))
			return
		}
		result, loginErr := service.Login(contextGin.Request.Context(), LoginInput{
			Email:    inbound.Email,
			Password: inbound.Password,
		})
		if loginErr != nil {
			abortWithAuthError(contextGin, asAuthError(loginErr))
			return
		}
		writeRefreshCookie(contextGin, configuration, result.RefreshToken, service.RefreshTTL())
		contextGin.JSON(http.StatusOK, gin.H{
			"user":        publicUser(result.User, false),
			"accessToken": result.AccessToken,
		})
	})

	router.POST("/google", func(contextGin *gin.Context) {
		var inbound struct {
			Credential string `json:"credential"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			abortWithAuthError(contextGin, newAuthError(KindInvalidInput, messageMissingCredential, err))
			return
		}
		result, googleErr := service.ExternalLogin(contextGin.Request.Context(), inbound.Credential)
		if googleErr != nil {
			abortWithAuthError(contextGin, asAuthError(googleErr))
			return
		}
		writeRefreshCookie(contextGin, configuration, result.RefreshToken, service.RefreshTTL())
		contextGin.JSON(http.StatusOK, gin.H{
			"success":     true,
			"user":        publicUser(result.User, true),
			"accessToken": result.AccessToken,
		})
	})

	router.POST("/logout", func(contextGin *gin.Context) {
		service.Logout(contextGin.Request.Context())
		clearRefreshCookie(contextGin, configuration)
		contextGin.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
	})

	router.POST("/refresh", func(contextGin *gin.Context) {
		var refreshToken string
		if refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.refreshCookieName()); cookieErr == nil && refreshCookie != nil {
			refreshToken = refreshCookie.Value
		}
		result, refreshErr := service.Refresh(contextGin.Request.Context(), refreshToken)
		if refreshErr != nil {
			authError := asAuthError(refreshErr)
			if authError.Kind == KindUnauthenticated || authError.Kind == KindNotFound {
				clearRefreshCookie(contextGin, configuration)
			}
			abortWithAuthError(contextGin, authError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user":        publicUser(result.User, false),
			"accessToken": result.AccessToken,
		})
	})

	router.GET("/me", RequireSession(service.tokens, logger), func(contextGin *gin.Context) {
		session, ok := SessionFromContext(contextGin)
		if !ok {
			logger.Error("session missing from context", zap.String("code", "api.me.missing_session"))
			abortWithAuthError(contextGin, newAuthError(KindUnauthenticated, "Not authorized, no token", nil))
			return
		}
		user, lookupErr := service.WhoAmI(contextGin.Request.Context(), session.UserID)
		if lookupErr != nil {
			abortWithAuthError(contextGin, asAuthError(lookupErr))
			return
		}
		contextGin.JSON(http.StatusOK, user)
	})
}

func publicUser(user *User, includePicture bool) gin.H {
	payload := gin.H{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
		"role":  user.Role,
	}
	if includePicture {
		payload["picture"] = user.Picture
	}
	return payload
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, refreshToken string, ttl time.Duration) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.refreshCookieName(),
		Value:    refreshToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   int(ttl / time.Second),
		Secure:   configuration.Production,
		HttpOnly: true,
		SameSite: configuration.cookieSameSite(),
	})
}

func clearRefreshCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.refreshCookieName(),
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   configuration.Production,
		HttpOnly: true,
		SameSite: configuration.cookieSameSite(),
	})
}
