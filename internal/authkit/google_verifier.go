package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

var (
	errEmptyCredential    = errors.New("identity.empty_credential")
	errInvalidIssuer      = errors.New("identity.invalid_issuer")
	errIncompleteIdentity = errors.New("identity.incomplete_claims")
	errUnverifiedEmail    = errors.New("identity.unverified_email")
	errMissingClientID    = errors.New("identity.missing_client_id")
)

// GoogleTokenValidator validates Google ID tokens. *idtoken.Validator satisfies it.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's public certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// ExternalIdentity is the claims payload returned by an IdentityVerifier.
type ExternalIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// IdentityVerifier turns a third-party assertion into identity claims.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (ExternalIdentity, error)
}

// GoogleIdentityVerifier checks Google ID tokens against the configured client id.
type GoogleIdentityVerifier struct {
	validator GoogleTokenValidator
	clientID  string
}

// NewGoogleIdentityVerifier binds a validator to the audience it must accept.
func NewGoogleIdentityVerifier(validator GoogleTokenValidator, clientID string) (*GoogleIdentityVerifier, error) {
	if validator == nil {
		return nil, errors.New("identity.new: validator is required")
	}
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("identity.new: %w", errMissingClientID)
	}
	return &GoogleIdentityVerifier{validator: validator, clientID: clientID}, nil
}

// Verify validates the ID token signature, audience, and issuer, then extracts the profile claims.
func (verifier *GoogleIdentityVerifier) Verify(ctx context.Context, credential string) (ExternalIdentity, error) {
	if strings.TrimSpace(credential) == "" {
		return ExternalIdentity{}, fmt.Errorf("identity.verify: %w", errEmptyCredential)
	}
	payload, err := verifier.validator.Validate(ctx, credential, verifier.clientID)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("identity.verify.validate: %w", err)
	}
	if payload == nil {
		return ExternalIdentity{}, fmt.Errorf("identity.verify: %w", errIncompleteIdentity)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return ExternalIdentity{}, fmt.Errorf("identity.verify: %w: %q", errInvalidIssuer, issuerValue)
	}
	identity := ExternalIdentity{}
	identity.Subject, _ = payload.Claims["sub"].(string)
	identity.Email, _ = payload.Claims["email"].(string)
	identity.EmailVerified, _ = payload.Claims["email_verified"].(bool)
	identity.Name, _ = payload.Claims["name"].(string)
	identity.Picture, _ = payload.Claims["picture"].(string)

	if identity.Subject == "" || identity.Email == "" {
		return ExternalIdentity{}, fmt.Errorf("identity.verify: %w", errIncompleteIdentity)
	}
	if !identity.EmailVerified {
		return ExternalIdentity{}, fmt.Errorf("identity.verify: %w", errUnverifiedEmail)
	}
	if strings.TrimSpace(identity.Name) == "" {
		identity.Name = identity.Email
	}
	return identity, nil
}
