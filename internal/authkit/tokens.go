package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/authtoolkit/pkg/sessionvalidator"
)

// TokenKind selects which secret and lifetime a token uses.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

var (
	// ErrTokenInvalid covers bad signatures, malformed payloads, and tokens of the wrong kind.
	ErrTokenInvalid = errors.New("token.invalid")
	// ErrTokenExpired indicates the token is at or past its expiry.
	ErrTokenExpired = errors.New("token.expired")

	errEmptySubject     = errors.New("token.mint.empty_subject")
	errMissingSecret    = errors.New("token.config.missing_secret")
	errSharedSecret     = errors.New("token.config.shared_secret")
	errNonPositiveTTL   = errors.New("token.config.non_positive_ttl")
	errUnknownTokenKind = errors.New("token.unknown_kind")
)

// TokenService mints and verifies access and refresh JWTs, each kind with its own secret and TTL.
type TokenService struct {
	issuer     string
	clock      Clock
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	validators map[TokenKind]*sessionvalidator.Validator
}

// NewTokenService builds a TokenService from the server configuration.
func NewTokenService(configuration ServerConfig, clock Clock) (*TokenService, error) {
	if len(configuration.AccessTokenSecret) == 0 || len(configuration.RefreshTokenSecret) == 0 {
		return nil, fmt.Errorf("token.new: %w", errMissingSecret)
	}
	if string(configuration.AccessTokenSecret) == string(configuration.RefreshTokenSecret) {
		return nil, fmt.Errorf("token.new: %w", errSharedSecret)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	issuer := configuration.TokenIssuer
	if strings.TrimSpace(issuer) == "" {
		issuer = DefaultTokenIssuer
	}
	accessTTL := configuration.AccessTTL
	if accessTTL == 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := configuration.RefreshTTL
	if refreshTTL == 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if accessTTL < 0 || refreshTTL < 0 {
		return nil, fmt.Errorf("token.new: %w", errNonPositiveTTL)
	}

	service := &TokenService{
		issuer:     issuer,
		clock:      clock,
		accessKey:  configuration.AccessTokenSecret,
		refreshKey: configuration.RefreshTokenSecret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		validators: make(map[TokenKind]*sessionvalidator.Validator, 2),
	}
	for kind, key := range map[TokenKind][]byte{TokenKindAccess: service.accessKey, TokenKindRefresh: service.refreshKey} {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: key,
			Issuer:     issuer,
			TokenUse:   string(kind),
			Clock:      clock,
		})
		if err != nil {
			return nil, fmt.Errorf("token.new.%s: %w", kind, err)
		}
		service.validators[kind] = validator
	}
	return service, nil
}

// IssueAccessToken mints a short-lived access token for the user.
func (service *TokenService) IssueAccessToken(userID string) (string, time.Time, error) {
	return service.issue(TokenKindAccess, userID, service.accessKey, service.accessTTL)
}

// IssueRefreshToken mints a long-lived refresh token for the user.
func (service *TokenService) IssueRefreshToken(userID string) (string, time.Time, error) {
	return service.issue(TokenKindRefresh, userID, service.refreshKey, service.refreshTTL)
}

// RefreshTTL reports the refresh token lifetime, which also bounds the refresh cookie.
func (service *TokenService) RefreshTTL() time.Duration {
	return service.refreshTTL
}

func (service *TokenService) issue(kind TokenKind, userID string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("token.mint.%s: %w", kind, errEmptySubject)
	}
	// NumericDate has second precision.
	issuedAt := service.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:   userID,
		TokenUse: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    service.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token.mint.%s: %w", kind, err)
	}
	return signed, expiresAt, nil
}

// Verify checks the token as the given kind and returns its subject.
// Failures wrap either ErrTokenExpired or ErrTokenInvalid.
func (service *TokenService) Verify(token string, kind TokenKind) (string, error) {
	validator, ok := service.validators[kind]
	if !ok {
		return "", fmt.Errorf("token.verify.%s: %w: %w", kind, ErrTokenInvalid, errUnknownTokenKind)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrTokenExpired) {
			return "", fmt.Errorf("token.verify.%s: %w", kind, ErrTokenExpired)
		}
		return "", fmt.Errorf("token.verify.%s: %w", kind, ErrTokenInvalid)
	}
	return claims.Subject, nil
}
