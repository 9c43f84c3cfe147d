package authkit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	messageMissingRegisterFields = "Please provide name, email and password"
	messageMissingLoginFields    = "Please provide email and password"
	messageUserExists            = "User already exists"
	messageInvalidCredentials    = "Invalid credentials"
	messageWrongProvider         = "Please login with Google"
	messageMissingCredential     = "Google credential is required"
	messageGoogleAuthFailed      = "Google authentication failed"
	messageMissingRefreshToken   = "No refresh token"
	messageInvalidRefreshToken   = "Invalid refresh token"
	messageUserNotFound          = "User not found"
)

var errIdentityVerifierMissing = errors.New("auth.identity_verifier_missing")

// AuthServiceDependencies wires the collaborators of AuthService.
// Identities may be nil, in which case ExternalLogin always fails.
type AuthServiceDependencies struct {
	Users      UserStore
	Hasher     PasswordHasher
	Identities IdentityVerifier
	Tokens     *TokenService
	Logger     *zap.Logger
	Metrics    MetricsRecorder
}

// AuthService implements register, login, external login, refresh, and who-am-i.
// Every error it returns is an *AuthError.
type AuthService struct {
	users      UserStore
	hasher     PasswordHasher
	identities IdentityVerifier
	tokens     *TokenService
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// RegisterInput carries the fields of a local sign-up.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// LoginInput carries local credentials.
type LoginInput struct {
	Email    string
	Password string
}

// SessionResult is the outcome of a successful authentication.
// RefreshToken is empty when only the access token was reissued.
type SessionResult struct {
	User             *User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// NewAuthService validates dependencies and constructs the service.
func NewAuthService(dependencies AuthServiceDependencies) (*AuthService, error) {
	if dependencies.Users == nil {
		return nil, errors.New("auth.new: user store is required")
	}
	if dependencies.Hasher == nil {
		return nil, errors.New("auth.new: password hasher is required")
	}
	if dependencies.Tokens == nil {
		return nil, errors.New("auth.new: token service is required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &AuthService{
		users:      dependencies.Users,
		hasher:     dependencies.Hasher,
		identities: dependencies.Identities,
		tokens:     dependencies.Tokens,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Register creates a local account and opens a session for it.
func (service *AuthService) Register(ctx context.Context, input RegisterInput) (*SessionResult, error) {
	name := strings.TrimSpace(input.Name)
	email := normalizeEmail(input.Email)
	if name == "" || email == "" || input.Password == "" {
		service.metrics.Increment(metricRegisterFailure)
		return nil, newAuthError(KindInvalidInput, messageMissingRegisterFields, nil)
	}

	_, lookupErr := service.users.FindByEmail(ctx, email)
	switch {
	case lookupErr == nil:
		service.metrics.Increment(metricRegisterFailure)
		return nil, newAuthError(KindConflict, messageUserExists, nil)
	case !errors.Is(lookupErr, ErrUserNotFound):
		return nil, service.fail(metricRegisterFailure, "auth.register.lookup_error", lookupErr)
	}

	passwordHash, hashErr := service.hasher.Hash(input.Password)
	if hashErr != nil {
		return nil, service.fail(metricRegisterFailure, "auth.register.hash_error", hashErr)
	}

	user := &User{
		Name:         name,
		Email:        email,
		PasswordHash: stringPointer(passwordHash),
		Role:         RoleUser,
		Provider:     ProviderLocal,
	}
	if createErr := service.users.Create(ctx, user); createErr != nil {
		if errors.Is(createErr, ErrUserExists) {
			service.metrics.Increment(metricRegisterFailure)
			return nil, newAuthError(KindConflict, messageUserExists, createErr)
		}
		return nil, service.fail(metricRegisterFailure, "auth.register.store_error", createErr)
	}

	result, sessionErr := service.openSession(user)
	if sessionErr != nil {
		return nil, service.fail(metricRegisterFailure, "auth.register.mint_error", sessionErr)
	}
	service.metrics.Increment(metricRegisterSuccess)
	service.logger.Info("user registered", zap.String("user_id", user.ID))
	return result, nil
}

// Login verifies local credentials. Unknown emails and wrong passwords are indistinguishable.
func (service *AuthService) Login(ctx context.Context, input LoginInput) (*SessionResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		service.metrics.Increment(metricLoginFailure)
		return nil, newAuthError(KindInvalidInput, messageMissingLoginFields, nil)
	}

	user, lookupErr := service.users.FindByEmail(ctx, email)
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrUserNotFound) {
			service.metrics.Increment(metricLoginFailure)
			return nil, newAuthError(KindInvalidCredentials, messageInvalidCredentials, nil)
		}
		return nil, service.fail(metricLoginFailure, "auth.login.lookup_error", lookupErr)
	}
	if !user.HasPassword() {
		service.metrics.Increment(metricLoginFailure)
		return nil, newAuthError(KindWrongProvider, messageWrongProvider, nil)
	}

	matches, verifyErr := service.hasher.Verify(*user.PasswordHash, input.Password)
	if verifyErr != nil {
		return nil, service.fail(metricLoginFailure, "auth.login.hash_error", verifyErr)
	}
	if !matches {
		service.metrics.Increment(metricLoginFailure)
		return nil, newAuthError(KindInvalidCredentials, messageInvalidCredentials, nil)
	}

	result, sessionErr := service.openSession(user)
	if sessionErr != nil {
		return nil, service.fail(metricLoginFailure, "auth.login.mint_error", sessionErr)
	}
	service.metrics.Increment(metricLoginSuccess)
	return result, nil
}

// ExternalLogin signs in with a Google ID token, creating the account on first use.
// Accounts are matched by the verified email.
func (service *AuthService) ExternalLogin(ctx context.Context, credential string) (*SessionResult, error) {
	if strings.TrimSpace(credential) == "" {
		service.metrics.Increment(metricGoogleFailure)
		return nil, newAuthError(KindInvalidInput, messageMissingCredential, nil)
	}
	if service.identities == nil {
		service.metrics.Increment(metricGoogleFailure)
		service.logger.Error("google login unavailable", zap.String("code", "auth.google.verifier_missing"))
		return nil, newAuthError(KindExternalAuthFailed, messageGoogleAuthFailed, errIdentityVerifierMissing)
	}

	identity, verifyErr := service.identities.Verify(ctx, credential)
	if verifyErr != nil {
		service.metrics.Increment(metricGoogleFailure)
		service.logger.Warn("google credential rejected",
			zap.String("code", "auth.google.verify_failed"),
			zap.Error(verifyErr))
		return nil, newAuthError(KindExternalAuthFailed, messageGoogleAuthFailed, verifyErr)
	}

	user, resolveErr := service.resolveExternalUser(ctx, identity)
	if resolveErr != nil {
		return nil, service.fail(metricGoogleFailure, "auth.google.store_error", resolveErr)
	}

	result, sessionErr := service.openSession(user)
	if sessionErr != nil {
		return nil, service.fail(metricGoogleFailure, "auth.google.mint_error", sessionErr)
	}
	service.metrics.Increment(metricGoogleSuccess)
	return result, nil
}

func (service *AuthService) resolveExternalUser(ctx context.Context, identity ExternalIdentity) (*User, error) {
	email := normalizeEmail(identity.Email)
	existing, lookupErr := service.users.FindByEmail(ctx, email)
	if lookupErr == nil {
		return service.refreshExternalProfile(ctx, existing, identity)
	}
	if !errors.Is(lookupErr, ErrUserNotFound) {
		return nil, lookupErr
	}

	created := &User{
		Name:       identity.Name,
		Email:      email,
		GoogleID:   stringPointer(identity.Subject),
		Picture:    identity.Picture,
		Role:       RoleUser,
		Provider:   ProviderGoogle,
		IsVerified: identity.EmailVerified,
	}
	createErr := service.users.Create(ctx, created)
	if createErr == nil {
		service.logger.Info("google user created", zap.String("user_id", created.ID))
		return created, nil
	}
	if !errors.Is(createErr, ErrUserExists) {
		return nil, createErr
	}
	// A concurrent first login won the insert.
	winner, reloadErr := service.users.FindByEmail(ctx, email)
	if reloadErr != nil {
		return nil, reloadErr
	}
	return winner, nil
}

func (service *AuthService) refreshExternalProfile(ctx context.Context, user *User, identity ExternalIdentity) (*User, error) {
	if user.Provider != ProviderGoogle || identity.Picture == "" || identity.Picture == user.Picture {
		return user, nil
	}
	user.Picture = identity.Picture
	if saveErr := service.users.Save(ctx, user); saveErr != nil {
		return nil, saveErr
	}
	return user, nil
}

// Refresh verifies a refresh token and issues a new access token for its subject.
// The refresh token itself is not rotated.
func (service *AuthService) Refresh(ctx context.Context, refreshToken string) (*SessionResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		service.metrics.Increment(metricRefreshFailure)
		return nil, newAuthError(KindUnauthenticated, messageMissingRefreshToken, nil)
	}
	userID, verifyErr := service.tokens.Verify(refreshToken, TokenKindRefresh)
	if verifyErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		service.logger.Debug("refresh token rejected",
			zap.String("code", "auth.refresh.invalid_token"),
			zap.Error(verifyErr))
		return nil, newAuthError(KindUnauthenticated, messageInvalidRefreshToken, verifyErr)
	}

	user, lookupErr := service.findUser(ctx, userID, "auth.refresh")
	if lookupErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		return nil, lookupErr
	}

	accessToken, accessExpiresAt, mintErr := service.tokens.IssueAccessToken(user.ID)
	if mintErr != nil {
		return nil, service.fail(metricRefreshFailure, "auth.refresh.mint_error", mintErr)
	}
	service.metrics.Increment(metricRefreshSuccess)
	return &SessionResult{
		User:            user,
		AccessToken:     accessToken,
		AccessExpiresAt: accessExpiresAt,
	}, nil
}

// WhoAmI loads the profile of an authenticated session.
func (service *AuthService) WhoAmI(ctx context.Context, userID string) (*User, error) {
	return service.findUser(ctx, userID, "auth.me")
}

// VerifyAccessToken resolves the subject of a bearer access token.
func (service *AuthService) VerifyAccessToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", newAuthError(KindUnauthenticated, "Not authorized, no token", nil)
	}
	userID, err := service.tokens.Verify(token, TokenKindAccess)
	if err != nil {
		return "", newAuthError(KindUnauthenticated, "Not authorized, token failed", err)
	}
	return userID, nil
}

// RefreshTTL reports how long the refresh cookie should live.
func (service *AuthService) RefreshTTL() time.Duration {
	return service.tokens.RefreshTTL()
}

func (service *AuthService) findUser(ctx context.Context, userID string, codePrefix string) (*User, error) {
	user, err := service.users.FindByID(ctx, userID)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, ErrUserNotFound) {
		service.logger.Warn("session user missing",
			zap.String("code", codePrefix+".user_missing"),
			zap.String("user_id", userID))
		return nil, newAuthError(KindNotFound, messageUserNotFound, err)
	}
	service.logger.Error("user lookup failed",
		zap.String("code", codePrefix+".lookup_error"),
		zap.String("user_id", userID),
		zap.Error(err))
	return nil, internalError(err)
}

func (service *AuthService) openSession(user *User) (*SessionResult, error) {
	accessToken, accessExpiresAt, accessErr := service.tokens.IssueAccessToken(user.ID)
	if accessErr != nil {
		return nil, accessErr
	}
	refreshToken, refreshExpiresAt, refreshErr := service.tokens.IssueRefreshToken(user.ID)
	if refreshErr != nil {
		return nil, refreshErr
	}
	return &SessionResult{
		User:             user,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

func (service *AuthService) fail(metric string, code string, cause error) *AuthError {
	service.metrics.Increment(metric)
	service.logger.Error("auth operation failed", zap.String("code", code), zap.Error(cause))
	return internalError(cause)
}

// Logout records the event. Refresh tokens are stateless, so nothing server-side is revoked.
func (service *AuthService) Logout(ctx context.Context) {
	service.metrics.Increment(metricLogout)
}
