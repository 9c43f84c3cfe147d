package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

// faultyUserStore delegates to a real store unless an error is injected.
type faultyUserStore struct {
	UserStore
	findByEmailErr error
	findByIDErr    error
	createErr      error
	saveErr        error
}

func (store *faultyUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	if store.findByEmailErr != nil {
		return nil, store.findByEmailErr
	}
	return store.UserStore.FindByEmail(ctx, email)
}

func (store *faultyUserStore) FindByID(ctx context.Context, userID string) (*User, error) {
	if store.findByIDErr != nil {
		return nil, store.findByIDErr
	}
	return store.UserStore.FindByID(ctx, userID)
}

func (store *faultyUserStore) Create(ctx context.Context, user *User) error {
	if store.createErr != nil {
		return store.createErr
	}
	return store.UserStore.Create(ctx, user)
}

func (store *faultyUserStore) Save(ctx context.Context, user *User) error {
	if store.saveErr != nil {
		return store.saveErr
	}
	return store.UserStore.Save(ctx, user)
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		GoogleClientID:     "client-id",
		AccessTokenSecret:  []byte("access-secret-for-tests"),
		RefreshTokenSecret: []byte("refresh-secret-for-tests"),
		TokenIssuer:        DefaultTokenIssuer,
		AccessTTL:          DefaultAccessTTL,
		RefreshTTL:         DefaultRefreshTTL,
		RefreshCookieName:  DefaultRefreshCookieName,
	}
}

func newTestGoogleValidator() *fakeGoogleValidator {
	return &fakeGoogleValidator{results: map[string]validatorResult{
		"valid-token": {
			payload:          googleClaims(nil),
			expectedAudience: "client-id",
		},
		"new-picture": {
			payload:          googleClaims(map[string]interface{}{"picture": "https://example.com/ann-2.png"}),
			expectedAudience: "client-id",
		},
		"rejected-token": {err: errors.New("signature mismatch")},
	}}
}

type authHarness struct {
	config  ServerConfig
	clock   *controllableClock
	users   *MemoryUserStore
	faults  *faultyUserStore
	tokens  *TokenService
	service *AuthService
	metrics *CounterMetrics
	router  *gin.Engine
}

func newAuthHarness(t *testing.T, configuration ServerConfig) *authHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &controllableClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tokens, err := NewTokenService(configuration, clock)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	hasher, err := NewBcryptPasswordHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	verifier, err := NewGoogleIdentityVerifier(newTestGoogleValidator(), configuration.GoogleClientID)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	users := NewMemoryUserStore()
	faults := &faultyUserStore{UserStore: users}
	metrics := NewCounterMetrics()
	logger := zaptest.NewLogger(t)

	service, err := NewAuthService(AuthServiceDependencies{
		Users:      faults,
		Hasher:     hasher,
		Identities: verifier,
		Tokens:     tokens,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	router := gin.New()
	MountAuthRoutes(router.Group("/api/auth"), configuration, service, logger)

	return &authHarness{
		config:  configuration,
		clock:   clock,
		users:   users,
		faults:  faults,
		tokens:  tokens,
		service: service,
		metrics: metrics,
		router:  router,
	}
}

func (harness *authHarness) perform(method string, path string, body string, modifiers ...func(*http.Request)) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, nil)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for _, modify := range modifiers {
		modify(request)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func withCookie(name string, value string) func(*http.Request) {
	return func(request *http.Request) {
		request.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

func withBearer(token string) func(*http.Request) {
	return func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func decodeJSONBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func findResponseCookie(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func assertErrorResponse(t *testing.T, recorder *httptest.ResponseRecorder, status int, kind ErrorKind) map[string]interface{} {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, recorder.Code, recorder.Body.String())
	}
	payload := decodeJSONBody(t, recorder)
	if payload["error"] != string(kind) {
		t.Fatalf("expected error kind %s, got %v", kind, payload["error"])
	}
	if message, _ := payload["message"].(string); message == "" {
		t.Fatalf("expected human readable message, got %v", payload)
	}
	return payload
}

func assertClearedCookie(t *testing.T, recorder *httptest.ResponseRecorder) {
	t.Helper()
	cookie := findResponseCookie(recorder, DefaultRefreshCookieName)
	if cookie == nil {
		t.Fatalf("expected refresh cookie to be cleared")
	}
	if cookie.Value != "" || cookie.MaxAge >= 0 {
		t.Fatalf("expected expired empty cookie, got value=%q maxAge=%d", cookie.Value, cookie.MaxAge)
	}
}

func TestRegisterRouteValidation(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())

	recorder := harness.perform(http.MethodPost, "/api/auth/register", `{"name":`)
	assertErrorResponse(t, recorder, http.StatusBadRequest, KindInvalidInput)

	recorder = harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com"}`)
	assertErrorResponse(t, recorder, http.StatusBadRequest, KindInvalidInput)

	recorder = harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"pw123"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	recorder = harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann Again","email":"ANN@x.com","password":"other"}`)
	payload := assertErrorResponse(t, recorder, http.StatusBadRequest, KindConflict)
	if payload["message"] != messageUserExists {
		t.Fatalf("unexpected conflict message %v", payload["message"])
	}
	if findResponseCookie(recorder, DefaultRefreshCookieName) != nil {
		t.Fatalf("failed register must not set a cookie")
	}
	if harness.users.Count() != 1 {
		t.Fatalf("expected one user, got %d", harness.users.Count())
	}
}

func TestLoginRouteDoesNotRevealUnknownEmail(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())
	harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"pw123"}`)

	wrongPassword := harness.perform(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"wrong"}`)
	unknownEmail := harness.perform(http.MethodPost, "/api/auth/login", `{"email":"nobody@x.com","password":"wrong"}`)

	assertErrorResponse(t, wrongPassword, http.StatusBadRequest, KindInvalidCredentials)
	assertErrorResponse(t, unknownEmail, http.StatusBadRequest, KindInvalidCredentials)
	if wrongPassword.Body.String() != unknownEmail.Body.String() {
		t.Fatalf("responses differ: %s vs %s", wrongPassword.Body.String(), unknownEmail.Body.String())
	}

	missing := harness.perform(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com"}`)
	assertErrorResponse(t, missing, http.StatusBadRequest, KindInvalidInput)
}

func TestLoginRouteWrongProvider(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())
	recorder := harness.perform(http.MethodPost, "/api/auth/google", `{"credential":"valid-token"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected google login to succeed, got %d", recorder.Code)
	}

	recorder = harness.perform(http.MethodPost, "/api/auth/login", `{"email":"ann@example.com","password":"anything"}`)
	payload := assertErrorResponse(t, recorder, http.StatusBadRequest, KindWrongProvider)
	if payload["message"] != messageWrongProvider {
		t.Fatalf("unexpected message %v", payload["message"])
	}
}

func TestGoogleRouteCreatesUserOnceAndUpdatesPicture(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())

	first := harness.perform(http.MethodPost, "/api/auth/google", `{"credential":"valid-token"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", first.Code, first.Body.String())
	}
	firstPayload := decodeJSONBody(t, first)
	if firstPayload["success"] != true {
		t.Fatalf("expected success flag, got %v", firstPayload["success"])
	}
	firstUser := firstPayload["user"].(map[string]interface{})
	if firstUser["picture"] != "https://example.com/ann.png" || firstUser["email"] != "ann@example.com" {
		t.Fatalf("unexpected user payload %v", firstUser)
	}
	if findResponseCookie(first, DefaultRefreshCookieName) == nil {
		t.Fatalf("expected refresh cookie")
	}

	second := harness.perform(http.MethodPost, "/api/auth/google", `{"credential":"new-picture"}`)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", second.Code)
	}
	secondUser := decodeJSONBody(t, second)["user"].(map[string]interface{})
	if secondUser["id"] != firstUser["id"] {
		t.Fatalf("expected same user id, got %v and %v", firstUser["id"], secondUser["id"])
	}
	if secondUser["picture"] != "https://example.com/ann-2.png" {
		t.Fatalf("expected updated picture, got %v", secondUser["picture"])
	}
	if harness.users.Count() != 1 {
		t.Fatalf("expected exactly one user, got %d", harness.users.Count())
	}
	stored, err := harness.users.FindByEmail(context.Background(), "ann@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.HasPassword() || stored.Provider != ProviderGoogle || !stored.IsVerified {
		t.Fatalf("unexpected stored google user %+v", stored)
	}
}

func TestGoogleRouteFailures(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())

	recorder := harness.perform(http.MethodPost, "/api/auth/google", `{}`)
	assertErrorResponse(t, recorder, http.StatusBadRequest, KindInvalidInput)

	recorder = harness.perform(http.MethodPost, "/api/auth/google", `{"credential":"rejected-token"}`)
	payload := assertErrorResponse(t, recorder, http.StatusInternalServerError, KindExternalAuthFailed)
	if strings.Contains(recorder.Body.String(), "signature mismatch") {
		t.Fatalf("upstream error leaked to caller: %v", payload)
	}
	if findResponseCookie(recorder, DefaultRefreshCookieName) != nil {
		t.Fatalf("failed google login must not set a cookie")
	}
	if harness.metrics.Count(metricGoogleFailure) != 2 {
		t.Fatalf("expected two google failures, got %d", harness.metrics.Count(metricGoogleFailure))
	}
}

func TestStoreFailuresMapToInternalError(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())
	harness.faults.findByEmailErr = errors.New("connection refused: db-host:5432")

	for _, request := range []struct {
		path string
		body string
	}{
		{path: "/api/auth/register", body: `{"name":"Ann","email":"ann@x.com","password":"pw123"}`},
		{path: "/api/auth/login", body: `{"email":"ann@x.com","password":"pw123"}`},
		{path: "/api/auth/google", body: `{"credential":"valid-token"}`},
	} {
		recorder := harness.perform(http.MethodPost, request.path, request.body)
		payload := assertErrorResponse(t, recorder, http.StatusInternalServerError, KindInternal)
		if payload["message"] != "Server error" {
			t.Fatalf("%s: unexpected message %v", request.path, payload["message"])
		}
		if strings.Contains(recorder.Body.String(), "db-host") {
			t.Fatalf("%s: store error leaked: %s", request.path, recorder.Body.String())
		}
	}
}

func TestRefreshRouteFailuresClearCookie(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())
	harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"pw123"}`)
	login := harness.perform(http.MethodPost, "/api/auth/login", `{"email":"ann@x.com","password":"pw123"}`)
	refreshCookie := findResponseCookie(login, DefaultRefreshCookieName)
	if refreshCookie == nil {
		t.Fatalf("expected refresh cookie after login")
	}

	recorder := harness.perform(http.MethodPost, "/api/auth/refresh", "")
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)

	recorder = harness.perform(http.MethodPost, "/api/auth/refresh", "", withCookie(DefaultRefreshCookieName, refreshCookie.Value+"tampered"))
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)
	assertClearedCookie(t, recorder)

	accessToken := decodeJSONBody(t, login)["accessToken"].(string)
	recorder = harness.perform(http.MethodPost, "/api/auth/refresh", "", withCookie(DefaultRefreshCookieName, accessToken))
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)
	assertClearedCookie(t, recorder)

	harness.clock.Advance(DefaultRefreshTTL)
	recorder = harness.perform(http.MethodPost, "/api/auth/refresh", "", withCookie(DefaultRefreshCookieName, refreshCookie.Value))
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)
	assertClearedCookie(t, recorder)
}

func TestRefreshRouteDeletedUser(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())
	register := harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"pw123"}`)
	refreshCookie := findResponseCookie(register, DefaultRefreshCookieName)
	userID := decodeJSONBody(t, register)["user"].(map[string]interface{})["id"].(string)

	if err := harness.users.Delete(context.Background(), userID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recorder := harness.perform(http.MethodPost, "/api/auth/refresh", "", withCookie(DefaultRefreshCookieName, refreshCookie.Value))
	assertErrorResponse(t, recorder, http.StatusNotFound, KindNotFound)
	assertClearedCookie(t, recorder)
}

func TestRefreshRouteStoreFailureKeepsCookie(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())
	register := harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"pw123"}`)
	refreshCookie := findResponseCookie(register, DefaultRefreshCookieName)

	harness.faults.findByIDErr = errors.New("timeout")
	recorder := harness.perform(http.MethodPost, "/api/auth/refresh", "", withCookie(DefaultRefreshCookieName, refreshCookie.Value))
	assertErrorResponse(t, recorder, http.StatusInternalServerError, KindInternal)
	if findResponseCookie(recorder, DefaultRefreshCookieName) != nil {
		t.Fatalf("transient store failures must not clear the cookie")
	}
}

func TestMeRoute(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())
	register := harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"pw123"}`)
	registerPayload := decodeJSONBody(t, register)
	accessToken := registerPayload["accessToken"].(string)
	userID := registerPayload["user"].(map[string]interface{})["id"].(string)

	recorder := harness.perform(http.MethodGet, "/api/auth/me", "")
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)

	recorder = harness.perform(http.MethodGet, "/api/auth/me", "", withBearer("garbage"))
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)

	refreshCookie := findResponseCookie(register, DefaultRefreshCookieName)
	recorder = harness.perform(http.MethodGet, "/api/auth/me", "", withBearer(refreshCookie.Value))
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)

	recorder = harness.perform(http.MethodGet, "/api/auth/me", "", withBearer(accessToken))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", recorder.Code, recorder.Body.String())
	}
	profile := decodeJSONBody(t, recorder)
	if profile["id"] != userID || profile["email"] != "ann@x.com" || profile["role"] != "user" || profile["provider"] != "local" {
		t.Fatalf("unexpected profile %v", profile)
	}
	if strings.Contains(strings.ToLower(recorder.Body.String()), "password") {
		t.Fatalf("profile exposes password hash: %s", recorder.Body.String())
	}

	harness.clock.Advance(DefaultAccessTTL)
	recorder = harness.perform(http.MethodGet, "/api/auth/me", "", withBearer(accessToken))
	assertErrorResponse(t, recorder, http.StatusUnauthorized, KindUnauthenticated)

	harness.clock.Advance(-time.Minute)
	if err := harness.users.Delete(context.Background(), userID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recorder = harness.perform(http.MethodGet, "/api/auth/me", "", withBearer(accessToken))
	assertErrorResponse(t, recorder, http.StatusNotFound, KindNotFound)
}

func TestLogoutClearsCookie(t *testing.T) {
	harness := newAuthHarness(t, newTestServerConfig())

	recorder := harness.perform(http.MethodPost, "/api/auth/logout", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if decodeJSONBody(t, recorder)["message"] != "Logged out successfully" {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
	assertClearedCookie(t, recorder)
	if harness.metrics.Count(metricLogout) != 1 {
		t.Fatalf("expected logout metric")
	}
}

func TestRefreshCookieAttributes(t *testing.T) {
	testCases := []struct {
		name       string
		production bool
		secure     bool
		sameSite   http.SameSite
	}{
		{name: "development", production: false, secure: false, sameSite: http.SameSiteLaxMode},
		{name: "production", production: true, secure: true, sameSite: http.SameSiteNoneMode},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configuration := newTestServerConfig()
			configuration.Production = testCase.production
			configuration.CookieDomain = "example.com"
			harness := newAuthHarness(t, configuration)

			recorder := harness.perform(http.MethodPost, "/api/auth/register", `{"name":"Ann","email":"ann@x.com","password":"pw123"}`)
			cookie := findResponseCookie(recorder, DefaultRefreshCookieName)
			if cookie == nil {
				t.Fatalf("expected refresh cookie")
			}
			if !cookie.HttpOnly || cookie.Path != "/" || cookie.Domain != "example.com" {
				t.Fatalf("unexpected cookie scope %+v", cookie)
			}
			if cookie.MaxAge != int(DefaultRefreshTTL/time.Second) {
				t.Fatalf("expected max age %d, got %d", int(DefaultRefreshTTL/time.Second), cookie.MaxAge)
			}
			if cookie.Secure != testCase.secure || cookie.SameSite != testCase.sameSite {
				t.Fatalf("expected secure=%v sameSite=%v, got %+v", testCase.secure, testCase.sameSite, cookie)
			}

			cleared := findResponseCookie(harness.perform(http.MethodPost, "/api/auth/logout", ""), DefaultRefreshCookieName)
			if cleared.Secure != testCase.secure || cleared.SameSite != testCase.sameSite || cleared.Domain != "example.com" {
				t.Fatalf("clear cookie attributes differ: %+v", cleared)
			}
		})
	}
}
