package uam

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/config"
	"github.com/rufaromugabe/spotfi-sub000/internal/db"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/radius"
	"github.com/rufaromugabe/spotfi-sub000/internal/ttlcache"
	"gorm.io/gorm"
)

func TestChapResponse_MatchesReference(t *testing.T) {
	const challenge = "0123456789abcdef0123456789abcdef"
	cases := []struct {
		secret string
		want   string
	}{
		{secret: "uamsecret", want: "4ae2c23d07b7d9fa168b9d7702061698"},
		{secret: "", want: "0db72c51ab832f04e3648a79b341fe4e"},
	}
	for _, tc := range cases {
		for i := 0; i < 3; i++ {
			got, err := ChapResponse("wonderland", challenge, tc.secret)
			if err != nil {
				t.Fatalf("chap: %v", err)
			}
			if got != tc.want {
				t.Fatalf("secret %q: got %s want %s", tc.secret, got, tc.want)
			}
		}
	}
	if _, err := ChapResponse("pw", "zz", ""); err != ErrBadChallenge {
		t.Fatalf("expected ErrBadChallenge, got %v", err)
	}
}

func TestSessionKey_Precedence(t *testing.T) {
	cases := []struct {
		sid, mac, ip, remote string
		want                 string
	}{
		{"abc", "aa:bb", "10.0.0.2", "1.2.3.4:5", "sid:abc"},
		{"", "aa:bb", "10.0.0.2", "1.2.3.4:5", "macip:AA:BB|10.0.0.2"},
		{"", "aa:bb", "", "1.2.3.4:5", "mac:AA:BB"},
		{"", "", "10.0.0.2", "1.2.3.4:5", "ip:10.0.0.2"},
		{"", "", "", "1.2.3.4:5", "addr:1.2.3.4"},
	}
	for _, tc := range cases {
		if got := SessionKey(tc.sid, tc.mac, tc.ip, tc.remote); got != tc.want {
			t.Fatalf("SessionKey(%q,%q,%q,%q) = %q, want %q", tc.sid, tc.mac, tc.ip, tc.remote, got, tc.want)
		}
	}
}

func TestSafeURL(t *testing.T) {
	for raw, want := range map[string]string{
		"http://example.com/a?b=c": "http://example.com/a?b=c",
		"https://example.com":      "https://example.com",
		"javascript:alert(1)":      "",
		"/relative":                "",
		"ftp://example.com":        "",
		"":                         "",
	} {
		if got := SafeURL(raw); got != want {
			t.Fatalf("SafeURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

type fakeAuth struct {
	mu    sync.Mutex
	calls int
	reqs  []radius.AuthRequest
}

func (f *fakeAuth) Authenticate(_ context.Context, req radius.AuthRequest) (radius.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	return radius.AuthResult{Accepted: req.Username == "alice" && req.Password == "wonderland"}, nil
}

func newTestHandler(t *testing.T, auth radius.Authenticator, mutate func(*config.UAMConfig)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultServiceConfig()
	cfg.UAM.DefaultSecret = "uamsecret"
	cfg.UAM.LockoutThreshold = 3
	cfg.UAM.LoginRateLimit = 100
	cfg.Radius.Server = "127.0.0.1"
	cfg.Radius.Secret = "testing123"
	if mutate != nil {
		mutate(&cfg.UAM)
	}
	newCache := func() ttlcache.Cache { return ttlcache.NewMemoryCache(100, nil) }
	h := NewHandler(nil, auth, cfg.UAM, cfg.Radius, Caches{
		Usernames: newCache(),
		Loops:     newCache(),
		Lockouts:  newCache(),
		Attempts:  newCache(),
	}, nil)
	engine := gin.New()
	h.Register(engine)
	return engine
}

func gatewayForm(extra url.Values) url.Values {
	form := url.Values{
		"uamip":   {"10.1.0.1"},
		"uamport": {"3990"},
		"mac":     {"AA-BB-CC-DD-EE-FF"},
		"ip":      {"10.1.0.23"},
		"userurl": {"http://example.com/"},
	}
	for k, v := range extra {
		form[k] = v
	}
	return form
}

func postLogin(engine *gin.Engine, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/uam/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestLogin_HandoffFormCarriesChapResponse(t *testing.T) {
	auth := &fakeAuth{}
	engine := newTestHandler(t, auth, nil)
	w := postLogin(engine, gatewayForm(url.Values{
		"username":  {"alice"},
		"password":  {"wonderland"},
		"challenge": {"0123456789abcdef0123456789abcdef"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `action="http://10.1.0.1:3990/logon"`) || !strings.Contains(body, `method="post"`) {
		t.Fatalf("expected POST handoff to gateway, got %s", body)
	}
	if !strings.Contains(body, `name="response" value="4ae2c23d07b7d9fa168b9d7702061698"`) {
		t.Fatalf("expected CHAP response in handoff, got %s", body)
	}
	if strings.Contains(body, `name="password"`) {
		t.Fatalf("password must not be sent when a challenge is present")
	}
	if auth.reqs[0].Secret != "testing123" {
		t.Fatalf("expected radius secret, got %+v", auth.reqs[0])
	}

	// The success page shows the cached username.
	req := httptest.NewRequest(http.MethodGet, "/uam/login?res=success&mac=AA-BB-CC-DD-EE-FF&ip=10.1.0.23", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Signed in as alice") {
		t.Fatalf("expected success page with username, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLogin_PAPHandoffAndEscaping(t *testing.T) {
	engine := newTestHandler(t, &fakeAuth{}, nil)
	w := postLogin(engine, gatewayForm(url.Values{
		"username": {"alice"},
		"password": {"wonderland"},
		"userurl":  {"javascript:alert(1)"},
	}))
	body := w.Body.String()
	if !strings.Contains(body, `name="password" value="wonderland"`) {
		t.Fatalf("expected PAP password field, got %s", body)
	}
	if strings.Contains(body, "javascript:") {
		t.Fatalf("unsafe userurl leaked into handoff")
	}

	w = postLogin(engine, gatewayForm(url.Values{
		"username":  {`"><script>x</script>`},
		"password":  {"bad"},
		"sessionid": {`<b>sid</b>`},
	}))
	if strings.Contains(w.Body.String(), "<script>x</script>") || strings.Contains(w.Body.String(), "<b>sid</b>") {
		t.Fatalf("expected escaped output, got %s", w.Body.String())
	}
}

func TestLogin_RejectsMissingGatewayContext(t *testing.T) {
	auth := &fakeAuth{}
	engine := newTestHandler(t, auth, nil)
	form := gatewayForm(url.Values{"username": {"alice"}, "password": {"wonderland"}})
	form.Del("uamip")
	if w := postLogin(engine, form); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/uam/login?uamport=3990", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on GET, got %d", rec.Code)
	}
	if auth.calls != 0 {
		t.Fatalf("backend must not be contacted")
	}
}

func TestLogin_LockoutBlocksWithoutBackendCall(t *testing.T) {
	auth := &fakeAuth{}
	engine := newTestHandler(t, auth, nil)
	bad := gatewayForm(url.Values{"username": {"alice"}, "password": {"nope"}})

	for i := 0; i < 3; i++ {
		w := postLogin(engine, bad)
		if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), msgInvalidCredentials) {
			t.Fatalf("attempt %d: expected generic reject, got %d", i+1, w.Code)
		}
	}
	calls := auth.calls
	w := postLogin(engine, gatewayForm(url.Values{"username": {"alice"}, "password": {"wonderland"}}))
	if w.Code != http.StatusTooManyRequests || !strings.Contains(w.Body.String(), "minutes") {
		t.Fatalf("expected lockout page with remaining time, got %d %s", w.Code, w.Body.String())
	}
	if auth.calls != calls {
		t.Fatalf("locked attempt contacted the backend")
	}

	// Another key is unaffected, and its success resets its own counter.
	other := gatewayForm(url.Values{"username": {"alice"}, "password": {"nope"}, "mac": {"11-22-33-44-55-66"}})
	postLogin(engine, other)
	postLogin(engine, other)
	other.Set("password", "wonderland")
	if w := postLogin(engine, other); w.Code != http.StatusOK {
		t.Fatalf("expected success on other key, got %d", w.Code)
	}
	other.Set("password", "nope")
	postLogin(engine, other)
	postLogin(engine, other)
	if w := postLogin(engine, other); w.Code != http.StatusUnauthorized {
		t.Fatalf("counter was not reset by success, got %d", w.Code)
	}
}

func TestLockout_FailuresAccumulateAcrossLocks(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewLockout(ttlcache.NewMemoryCache(10, clock), 2, time.Minute, time.Hour, clock)
	ctx := context.Background()

	l.Fail(ctx, "k")
	if left, _ := l.Fail(ctx, "k"); left != time.Minute {
		t.Fatalf("expected lock after threshold, got %v", left)
	}
	now = now.Add(2 * time.Minute)
	if left, _ := l.Remaining(ctx, "k"); left != 0 {
		t.Fatalf("lock should have expired, got %v", left)
	}
	if left, _ := l.Fail(ctx, "k"); left != time.Minute {
		t.Fatalf("failure after expiry must relock, got %v", left)
	}
	if n, _ := l.Failures(ctx, "k"); n != 3 {
		t.Fatalf("expected 3 failures, got %d", n)
	}
	_ = l.Reset(ctx, "k")
	if n, _ := l.Failures(ctx, "k"); n != 0 {
		t.Fatalf("expected reset, got %d", n)
	}
}

func TestPage_LoopDetectedOnSixthVisit(t *testing.T) {
	engine := newTestHandler(t, &fakeAuth{}, func(c *config.UAMConfig) {
		c.LoopWindow = 10 * time.Second
		c.LoopThreshold = 5
	})
	target := "/uam/login?uamip=10.1.0.1&uamport=3990&sessionid=S&res=notyet"
	for i := 1; i <= 6; i++ {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if i < 6 && w.Code != http.StatusOK {
			t.Fatalf("visit %d: expected login form, got %d", i, w.Code)
		}
		if i == 6 && (w.Code != http.StatusLoopDetected || !strings.Contains(w.Body.String(), "Redirect loop")) {
			t.Fatalf("visit 6: expected loop page, got %d", w.Code)
		}
	}
}

func TestLoopGuard_WindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := NewLoopGuard(ttlcache.NewMemoryCache(10, clock), 10*time.Second, 2, clock)
	ctx := context.Background()
	g.Visit(ctx, "k", "/a")
	g.Visit(ctx, "k", "/a")
	if looped, _ := g.Visit(ctx, "k", "/b"); looped {
		t.Fatalf("different url must not count")
	}
	now = now.Add(11 * time.Second)
	if looped, _ := g.Visit(ctx, "k", "/a"); looped {
		t.Fatalf("visits outside the window must not count")
	}
}

func TestDiscovery(t *testing.T) {
	engine := newTestHandler(t, &fakeAuth{}, func(c *config.UAMConfig) { c.PublicURL = "https://portal.example.com/" })
	req := httptest.NewRequest(http.MethodGet, "/api?nasid=rtr%201", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"captive":true`) || !strings.Contains(body, `"user-portal-url":"https://portal.example.com/uam/login?nasid=rtr+1"`) {
		t.Fatalf("unexpected discovery body %s", body)
	}
}

func TestLogin_LoopWindowClearedOnlyBelowThreshold(t *testing.T) {
	const bounce = "/uam/login?uamip=10.1.0.1&uamport=3990&sessionid=S&res=success"
	visit := func(engine *gin.Engine) int {
		req := httptest.NewRequest(http.MethodGet, bounce, nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w.Code
	}
	login := gatewayForm(url.Values{"username": {"alice"}, "password": {"wonderland"}, "sessionid": {"S"}})
	limits := func(c *config.UAMConfig) {
		c.LoopWindow = 10 * time.Second
		c.LoopThreshold = 5
		c.LoopClearThreshold = 3
	}

	// Four bounces before the login keep the window.
	engine := newTestHandler(t, &fakeAuth{}, limits)
	for i := 1; i <= 4; i++ {
		if code := visit(engine); code != http.StatusOK {
			t.Fatalf("bounce %d: got %d", i, code)
		}
	}
	if w := postLogin(engine, login); w.Code != http.StatusOK {
		t.Fatalf("login: got %d", w.Code)
	}
	if code := visit(engine); code != http.StatusOK {
		t.Fatalf("fifth bounce: got %d", code)
	}
	if code := visit(engine); code != http.StatusLoopDetected {
		t.Fatalf("sixth bounce must still be a loop after login, got %d", code)
	}

	// Two bounces before the login are forgotten.
	engine = newTestHandler(t, &fakeAuth{}, limits)
	for i := 1; i <= 2; i++ {
		if code := visit(engine); code != http.StatusOK {
			t.Fatalf("bounce %d: got %d", i, code)
		}
	}
	if w := postLogin(engine, login); w.Code != http.StatusOK {
		t.Fatalf("login: got %d", w.Code)
	}
	for i := 1; i <= 5; i++ {
		if code := visit(engine); code != http.StatusOK {
			t.Fatalf("bounce %d after cleared login: got %d", i, code)
		}
	}
}

func TestLogin_RepeatedPostsTripLoopGuard(t *testing.T) {
	auth := &fakeAuth{}
	engine := newTestHandler(t, auth, func(c *config.UAMConfig) {
		c.LoopThreshold = 5
		c.LockoutThreshold = 100
	})
	bad := gatewayForm(url.Values{"username": {"alice"}, "password": {"nope"}})
	for i := 1; i <= 5; i++ {
		if w := postLogin(engine, bad); w.Code != http.StatusUnauthorized {
			t.Fatalf("post %d: expected 401, got %d", i, w.Code)
		}
	}
	if w := postLogin(engine, bad); w.Code != http.StatusLoopDetected {
		t.Fatalf("post 6: expected loop page, got %d", w.Code)
	}
	if auth.calls != 5 {
		t.Fatalf("looped post contacted the backend, calls=%d", auth.calls)
	}
}

func TestLockout_ConcurrentFailuresAreCounted(t *testing.T) {
	l := NewLockout(ttlcache.NewMemoryCache(100, nil), 1000, time.Minute, time.Hour, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Fail(ctx, "k"); err != nil {
				t.Errorf("fail: %v", err)
			}
		}()
	}
	wg.Wait()
	if n, _ := l.Failures(ctx, "k"); n != 50 {
		t.Fatalf("expected 50 failures, got %d", n)
	}
	if left, _ := l.Remaining(ctx, "k"); left != 0 {
		t.Fatalf("below threshold must not lock, got %v", left)
	}
}

func TestLogin_RouterLookupUsesRouterSecretWithDeadline(t *testing.T) {
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "uam.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	router := models.Router{ID: "rtr-1", NASIdentifier: "hs-1", UAMSecret: "routersecret"}
	if errCreate := conn.Create(&router).Error; errCreate != nil {
		t.Fatalf("create router: %v", errCreate)
	}
	var lookups, bounded int
	errRegister := conn.Callback().Query().Before("gorm:query").Register("test:deadline", func(tx *gorm.DB) {
		lookups++
		if _, ok := tx.Statement.Context.Deadline(); ok {
			bounded++
		}
	})
	if errRegister != nil {
		t.Fatalf("register callback: %v", errRegister)
	}

	gin.SetMode(gin.TestMode)
	cfg := config.DefaultServiceConfig()
	cfg.UAM.DefaultSecret = "uamsecret"
	cfg.Radius.Server = "127.0.0.1"
	cfg.Radius.Secret = "testing123"
	auth := &fakeAuth{}
	newCache := func() ttlcache.Cache { return ttlcache.NewMemoryCache(100, nil) }
	h := NewHandler(conn, auth, cfg.UAM, cfg.Radius, Caches{
		Usernames: newCache(),
		Loops:     newCache(),
		Lockouts:  newCache(),
		Attempts:  newCache(),
	}, nil)
	engine := gin.New()
	h.Register(engine)

	const challenge = "0123456789abcdef0123456789abcdef"
	w := postLogin(engine, gatewayForm(url.Values{
		"username":  {"alice"},
		"password":  {"wonderland"},
		"challenge": {challenge},
		"nasid":     {"hs-1"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	want, _ := ChapResponse("wonderland", challenge, "routersecret")
	if !strings.Contains(w.Body.String(), `name="response" value="`+want+`"`) {
		t.Fatalf("expected CHAP with router secret, got %s", w.Body.String())
	}
	if auth.reqs[0].NASID != "hs-1" {
		t.Fatalf("expected router NAS-Identifier, got %q", auth.reqs[0].NASID)
	}
	if lookups == 0 || bounded != lookups {
		t.Fatalf("router lookup ran without a deadline: lookups=%d bounded=%d", lookups, bounded)
	}
}
