package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authrelay/internal/config"
	"github.com/hitoshi/authrelay/internal/middleware"
	"github.com/hitoshi/authrelay/internal/model"
	"github.com/hitoshi/authrelay/internal/repository"
)

// memUserRepo はテスト用のインメモリユーザーリポジトリ。
type memUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{
		byID:    make(map[string]*model.User),
		byEmail: make(map[string]*model.User),
	}
}

func (r *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id], nil
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEmail[email], nil
}

func (r *memUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[user.Email]; ok {
		return repository.ErrDuplicate
	}
	r.byID[user.ID] = user
	r.byEmail[user.Email] = user
	return nil
}

type healthyDB struct{}

func (healthyDB) PingContext(context.Context) error { return nil }

// testStack は認証サービス・リソースサービス・フロントエンドの3サーバー構成。
type testStack struct {
	cfg      *config.Config
	auth     *httptest.Server
	product  *httptest.Server
	frontend *httptest.Server
	redis    *miniredis.Miniredis
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.RetryMaxAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.SessionMaxAge = 3600

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := middleware.NewRateLimiter("auth", middleware.AuthRateLimiterConfig(cfg.RateLimitAuth))
	t.Cleanup(limiter.Stop)

	collector, metricsHandler := newMetrics()
	authHandler, err := buildAuthHandler(cfg, authHandlerDeps{
		health:      healthyDB{},
		users:       newMemUserRepo(),
		sessions:    repository.NewRedisSessionRepo(client),
		collector:   collector,
		metrics:     metricsHandler,
		rateLimiter: limiter,
	})
	if err != nil {
		t.Fatalf("buildAuthHandler: %v", err)
	}
	authSrv := httptest.NewServer(authHandler)
	t.Cleanup(authSrv.Close)
	cfg.AuthBaseURL = authSrv.URL

	collector, metricsHandler = newMetrics()
	productSrv := httptest.NewServer(buildProductHandler(cfg, collector, metricsHandler))
	t.Cleanup(productSrv.Close)
	cfg.ProductAPIURL = productSrv.URL

	collector, metricsHandler = newMetrics()
	frontendSrv := httptest.NewServer(buildFrontendHandler(cfg, collector, metricsHandler))
	t.Cleanup(frontendSrv.Close)

	return &testStack{
		cfg:      cfg,
		auth:     authSrv,
		product:  productSrv,
		frontend: frontendSrv,
		redis:    mr,
	}
}

// browser はCookieを保持してフロントエンドを操作するクライアント。
type browser struct {
	t      *testing.T
	client *http.Client
	base   string
	origin string
}

func newBrowser(t *testing.T, s *testStack) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &browser{
		t:      t,
		client: &http.Client{Jar: jar, Timeout: 10 * time.Second},
		base:   s.frontend.URL,
		origin: s.cfg.AppURL,
	}
}

type actionResult struct {
	Success     bool              `json:"success"`
	Redirect    string            `json:"redirect"`
	Error       string            `json:"error"`
	FieldErrors map[string]string `json:"fieldErrors"`
	Data        *model.Identity   `json:"data"`
}

func (b *browser) action(path string, form url.Values) actionResult {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		b.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", b.origin)

	resp, err := b.client.Do(req)
	if err != nil {
		b.t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.t.Fatalf("POST %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
	}
	var res actionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		b.t.Fatalf("decode %s: %v", path, err)
	}
	return res
}

func (b *browser) cookies() []*http.Cookie {
	u, _ := url.Parse(b.base)
	return b.client.Jar.Cookies(u)
}

func TestIntegration_SignUpCallProductAPISignOut(t *testing.T) {
	s := newTestStack(t)
	b := newBrowser(t, s)

	// 1. サインアップでセッションCookieが発行される
	res := b.action("/actions/signup", url.Values{
		"name":     {"Alice"},
		"email":    {"Alice@Example.com"},
		"password": {"correct-horse-battery"},
	})
	if !res.Success || res.Redirect != "/dashboard" {
		t.Fatalf("signup result = %+v, want success redirect to /dashboard", res)
	}
	var token string
	for _, c := range b.cookies() {
		if c.Name == s.cfg.SessionCookieName {
			token = c.Value
		}
	}
	if token == "" {
		t.Fatal("session cookie should be stored in the browser after sign-up")
	}

	// 2. Cookieを中継してリソースサービスを呼び出す
	res = b.action("/actions/product-api", nil)
	if !res.Success {
		t.Fatalf("product-api result = %+v, want success", res)
	}
	if res.Data == nil || res.Data.Email != "alice@example.com" || res.Data.Name != "Alice" {
		t.Errorf("product-api data = %+v, want alice@example.com / Alice", res.Data)
	}

	// 3. サインアウトでCookieが削除され、セッションも失効する
	res = b.action("/actions/signout", nil)
	if !res.Success || res.Redirect != "/" {
		t.Fatalf("signout result = %+v, want success redirect to /", res)
	}
	if got := b.cookies(); len(got) != 0 {
		t.Errorf("cookies after sign-out = %v, want none", got)
	}

	res = b.action("/actions/product-api", nil)
	if res.Success || res.Error != "No authentication session found. Please sign in." {
		t.Errorf("product-api after sign-out = %+v, want no-session error", res)
	}

	// 失効したトークンを直接送ってもゲートで拒否される
	req, _ := http.NewRequest(http.MethodGet, s.product.URL+"/api/helloworld", nil)
	req.Header.Set("Cookie", s.cfg.SessionCookieName+"="+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET helloworld: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestIntegration_SignInAfterSignUp(t *testing.T) {
	s := newTestStack(t)

	first := newBrowser(t, s)
	res := first.action("/actions/signup", url.Values{
		"name":     {"Bob"},
		"email":    {"bob@example.com"},
		"password": {"correct-horse-battery"},
	})
	if !res.Success {
		t.Fatalf("signup result = %+v, want success", res)
	}

	second := newBrowser(t, s)

	res = second.action("/actions/signin", url.Values{
		"email":    {"bob@example.com"},
		"password": {"wrong-password"},
	})
	if res.Success {
		t.Fatalf("signin with wrong password should fail, got %+v", res)
	}

	res = second.action("/actions/signin", url.Values{
		"email":    {"bob@example.com"},
		"password": {"correct-horse-battery"},
	})
	if !res.Success || res.Redirect != "/" {
		t.Fatalf("signin result = %+v, want success redirect to /", res)
	}

	// フロントエンドの /api/session は検証クライアント経由でユーザーを返す
	resp, err := second.client.Get(s.frontend.URL + "/api/session")
	if err != nil {
		t.Fatalf("GET /api/session: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Session *model.SessionInfo `json:"session"`
		User    *model.Identity    `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.User == nil || body.User.Email != "bob@example.com" {
		t.Errorf("user = %+v, want bob@example.com", body.User)
	}
	if body.Session == nil || body.Session.Token == "" {
		t.Errorf("session = %+v, want a token", body.Session)
	}
}

func TestIntegration_SignUpDuplicateEmail(t *testing.T) {
	s := newTestStack(t)
	form := url.Values{
		"name":     {"Carol"},
		"email":    {"carol@example.com"},
		"password": {"correct-horse-battery"},
	}

	if res := newBrowser(t, s).action("/actions/signup", form); !res.Success {
		t.Fatalf("first signup result = %+v, want success", res)
	}

	res := newBrowser(t, s).action("/actions/signup", form)
	if res.Success {
		t.Fatal("duplicate signup should fail")
	}
	if res.Error == "" {
		t.Error("duplicate signup should carry an error message")
	}
}

func TestIntegration_ProductAPIRejectsBrowser(t *testing.T) {
	s := newTestStack(t)

	req, _ := http.NewRequest(http.MethodGet, s.product.URL+"/api/helloworld", nil)
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Cookie", s.cfg.SessionCookieName+"=anything")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET helloworld: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestIntegration_AuthUnreachable_GateFailsClosed(t *testing.T) {
	s := newTestStack(t)
	s.auth.Close()

	req, _ := http.NewRequest(http.MethodGet, s.product.URL+"/api/helloworld", nil)
	req.Header.Set("Cookie", s.cfg.SessionCookieName+"=anything")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET helloworld: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "session validation failed" {
		t.Errorf("error = %q, want %q", body["error"], "session validation failed")
	}
}

func TestIntegration_ProductOutageLeavesSignInWorking(t *testing.T) {
	s := newTestStack(t)
	form := url.Values{
		"name":     {"Dave"},
		"email":    {"dave@example.com"},
		"password": {"correct-horse-battery"},
	}
	b := newBrowser(t, s)
	if res := b.action("/actions/signup", form); !res.Success {
		t.Fatalf("signup result = %+v, want success", res)
	}

	s.product.Close()

	// リソースサービスの障害でそのブレーカーだけが開く
	var res actionResult
	for i := 0; i <= s.cfg.BreakerFailureThreshold; i++ {
		res = b.action("/actions/product-api", nil)
		if res.Success {
			t.Fatalf("product-api call %d should fail while the product API is down", i)
		}
	}
	if !strings.Contains(res.Error, "circuit breaker is open") {
		t.Errorf("last product-api error = %q, want breaker open", res.Error)
	}

	res = newBrowser(t, s).action("/actions/signin", url.Values{
		"email":    {"dave@example.com"},
		"password": {"correct-horse-battery"},
	})
	if !res.Success || res.Redirect != "/" {
		t.Errorf("signin during product outage = %+v, want success redirect to /", res)
	}
}
