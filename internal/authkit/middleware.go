package authkit

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/authtoolkit/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const sessionContextKey = "auth_session"

// AuthenticatedSession is the identity resolved from a bearer access token.
type AuthenticatedSession struct {
	UserID string
}

// RequireSession validates the bearer access token and injects the session.
func RequireSession(tokens *TokenService, logger *zap.Logger) gin.HandlerFunc {
	if tokens == nil {
		panic("token service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		bearer := sessionvalidator.BearerToken(contextGin.Request)
		if bearer == "" {
			abortWithAuthError(contextGin, newAuthError(KindUnauthenticated, "Not authorized, no token", nil))
			return
		}
		userID, verifyErr := tokens.Verify(bearer, TokenKindAccess)
		if verifyErr != nil {
			code := "session.invalid_token"
			if errors.Is(verifyErr, ErrTokenExpired) {
				code = "session.expired_token"
			}
			logger.Debug("bearer token rejected", zap.String("code", code), zap.Error(verifyErr))
			abortWithAuthError(contextGin, newAuthError(KindUnauthenticated, "Not authorized, token failed", verifyErr))
			return
		}
		contextGin.Set(sessionContextKey, AuthenticatedSession{UserID: userID})
		contextGin.Next()
	}
}

// SessionFromContext returns the session injected by RequireSession.
func SessionFromContext(contextGin *gin.Context) (AuthenticatedSession, bool) {
	value, exists := contextGin.Get(sessionContextKey)
	if !exists {
		return AuthenticatedSession{}, false
	}
	session, ok := value.(AuthenticatedSession)
	if !ok || session.UserID == "" {
		return AuthenticatedSession{}, false
	}
	return session, true
}

func abortWithAuthError(contextGin *gin.Context, authError *AuthError) {
	contextGin.AbortWithStatusJSON(authError.Kind.HTTPStatus(), gin.H{
		"error":   authError.Kind,
		"message": authError.Message,
	})
}
