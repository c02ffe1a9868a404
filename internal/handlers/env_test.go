package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/activator/internal/database/testutil"
	"github.com/charlesng35/activator/internal/ratelimit"
	"github.com/charlesng35/activator/internal/services"
	"github.com/charlesng35/activator/pkg/mail"
	"github.com/charlesng35/activator/pkg/response"
)

const testLoginURL = "https://app.example.com/login"

var activationLinkPattern = regexp.MustCompile(`/activate_account/([0-9a-f]{64})`)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type outbox struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (o *outbox) Send(_ context.Context, msg mail.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// lastToken extracts the plaintext token from the most recent activation email.
func (o *outbox) lastToken(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.messages)
	match := activationLinkPattern.FindStringSubmatch(o.messages[len(o.messages)-1].Body)
	require.Len(t, match, 2)
	return match[1]
}

type handlerEnv struct {
	t            *testing.T
	db           *gorm.DB
	clock        *testClock
	outbox       *outbox
	activation   *services.ActivationService
	registration *services.RegistrationService
	router       *gin.Engine
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store, err := services.NewGormTokenStore(db)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	rateStore := ratelimit.NewMemoryRateStore(0, ratelimit.WithMemoryClock(clock.Now))
	t.Cleanup(rateStore.Close)
	limiter, err := ratelimit.New(rateStore, ratelimit.Config{Capacity: 3, Window: time.Hour}, ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	activation, err := services.NewActivationService(store, limiter, services.WithActivationClock(clock.Now))
	require.NoError(t, err)

	box := &outbox{}
	mailer, err := services.NewActivationMailer(box, "https://app.example.com")
	require.NoError(t, err)

	registration, err := services.NewRegistrationService(store, activation,
		services.WithRegistrationMailer(mailer),
		services.WithResendLimiter(limiter))
	require.NoError(t, err)

	activationHandler, err := NewActivationHandler(activation, registration, testLoginURL)
	require.NoError(t, err)
	registrationHandler, err := NewRegistrationHandler(registration)
	require.NoError(t, err)
	registrationHandler.now = clock.Now

	router := gin.New()
	router.GET("/health", Health(db))
	users := router.Group("/api/users")
	users.POST("", registrationHandler.Register)
	users.GET("/activate_account/:token", activationHandler.Activate)
	users.POST("/resend_activation_account/:email", registrationHandler.Resend)

	return &handlerEnv{
		t:            t,
		db:           db,
		clock:        clock,
		outbox:       box,
		activation:   activation,
		registration: registration,
		router:       router,
	}
}

func (e *handlerEnv) request(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *handlerEnv) register(email string) string {
	e.t.Helper()
	w := e.request(http.MethodPost, "/api/users", map[string]string{"email": email, "first_name": "Ada"})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return e.outbox.lastToken(e.t)
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}
