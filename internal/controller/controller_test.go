package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wabridge/wabridge/internal/browser"
	"github.com/wabridge/wabridge/internal/config"
	"github.com/wabridge/wabridge/internal/store"
)

// mockSession records every primitive call so tests can assert exact
// interaction sequences.
type mockSession struct {
	calls      []string
	navErr     error
	waitAnyIdx int
	waitAnyErr error
	attrValue  string
	attrErr    error
	waitErr    map[string]error // selector → error for WaitForElement
	stepErr    map[string]error // call prefix → error (e.g. "clear", "click")
	terminated int

	// blockOn makes WaitForElement on that selector hang until the
	// context is cancelled; blockStarted is closed once the hang begins.
	blockOn      string
	blockStarted chan struct{}
}

func (m *mockSession) record(s string) { m.calls = append(m.calls, s) }

func (m *mockSession) Navigate(_ context.Context, url string) error {
	m.record("navigate:" + url)
	return m.navErr
}

func (m *mockSession) WaitForAny(_ context.Context, selectors []string, _ time.Duration) (int, error) {
	m.record(fmt.Sprintf("waitany:%d", len(selectors)))
	if m.waitAnyErr != nil {
		return -1, m.waitAnyErr
	}
	return m.waitAnyIdx, nil
}

func (m *mockSession) WaitForElement(ctx context.Context, selector string, _ time.Duration) error {
	m.record("wait:" + selector)
	if selector == m.blockOn {
		if m.blockStarted != nil {
			close(m.blockStarted)
			m.blockStarted = nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if err, ok := m.waitErr[selector]; ok {
		return err
	}
	return nil
}

func (m *mockSession) ReadAttribute(_ context.Context, selector, name string) (string, error) {
	m.record("attr:" + selector + ":" + name)
	return m.attrValue, m.attrErr
}

func (m *mockSession) Click(_ context.Context, selector string) error {
	m.record("click:" + selector)
	return m.stepErr["click:"+selector]
}

func (m *mockSession) ClearInput(_ context.Context, selector string) error {
	m.record("clear:" + selector)
	return m.stepErr["clear:"+selector]
}

func (m *mockSession) TypeText(_ context.Context, selector, text string) error {
	m.record("type:" + selector + ":" + text)
	return m.stepErr["type:"+selector]
}

func (m *mockSession) PressEnter(_ context.Context, selector string) error {
	m.record("enter:" + selector)
	return m.stepErr["enter:"+selector]
}

func (m *mockSession) SetFileInput(_ context.Context, selector, path string) error {
	m.record("setfile:" + selector + ":" + path)
	return m.stepErr["setfile:"+selector]
}

func (m *mockSession) Terminate() { m.terminated++ }

type mockLauncher struct {
	sess        *mockSession
	startErr    error
	starts      int
	lastProfile string
}

func (l *mockLauncher) Start(_ context.Context, profileDir string) (browser.Session, error) {
	l.starts++
	l.lastProfile = profileDir
	if l.startErr != nil {
		return nil, l.startErr
	}
	return l.sess, nil
}

func testConfig(t *testing.T) *config.RuntimeConfig {
	t.Helper()
	return &config.RuntimeConfig{
		WhatsAppURL:   "https://web.whatsapp.com",
		ProfileDir:    t.TempDir(),
		Headless:      true,
		QRWait:        time.Second,
		LoginWait:     time.Second,
		ActionTimeout: time.Second,
		SettleDelay:   0,
		UploadSettle:  0,
	}
}

func newTestController(t *testing.T, l browser.Launcher) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c, err := New(testConfig(t), st, l)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c, st
}

func connectedController(t *testing.T) (*Controller, *store.Store, *mockSession, *mockLauncher) {
	t.Helper()
	m := &mockSession{attrValue: "raw-login-token", waitErr: map[string]error{}, stepErr: map[string]error{}}
	l := &mockLauncher{sess: m}
	c, st := newTestController(t, l)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, st, m, l
}

func TestConnectViaQRScan(t *testing.T) {
	c, st, m, _ := connectedController(t)

	if c.State() != StateAuthenticated {
		t.Errorf("state = %v, want authenticated", c.State())
	}
	if !c.IsAuthenticated() {
		t.Error("expected authenticated")
	}
	if m.terminated != 0 {
		t.Errorf("handle terminated %d times during successful connect", m.terminated)
	}

	// Session handle persisted, auth flag true.
	if v, ok, _ := st.GetString(store.KeySession); !ok || v == "" {
		t.Error("expected persisted session handle")
	}
	if v, _, _ := st.GetString(store.KeyAuthenticated); v != "true" {
		t.Errorf("auth flag = %q, want true", v)
	}
}

func TestConnectResumedSessionSkipsToken(t *testing.T) {
	m := &mockSession{waitAnyIdx: 1, waitErr: map[string]error{}, stepErr: map[string]error{}}
	l := &mockLauncher{sess: m}
	c, _ := newTestController(t, l)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.IsAuthenticated() {
		t.Error("expected authenticated via resumption")
	}
	for _, call := range m.calls {
		if call == "attr:"+DefaultSelectors().QRToken+":"+DefaultSelectors().QRAttribute {
			t.Error("token attribute read on resumed session")
		}
	}
	if c.LoginToken() != nil {
		t.Error("no token should exist on resumed session")
	}
}

func TestConnectIdempotentWhenAuthenticated(t *testing.T) {
	c, _, _, l := connectedController(t)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if l.starts != 1 {
		t.Errorf("launcher started %d times, want 1", l.starts)
	}
	if c.State() != StateAuthenticated {
		t.Errorf("state = %v after repeat connect", c.State())
	}
}

func TestConnectBrowserUnavailable(t *testing.T) {
	l := &mockLauncher{startErr: errors.New("no chrome binary")}
	c, _ := newTestController(t, l)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrBrowserUnavailable) {
		t.Fatalf("err = %v, want ErrBrowserUnavailable", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestConnectNavigationFailureReleasesHandle(t *testing.T) {
	m := &mockSession{navErr: errors.New("dns"), waitErr: map[string]error{}, stepErr: map[string]error{}}
	l := &mockLauncher{sess: m}
	c, _ := newTestController(t, l)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrBrowserUnavailable) {
		t.Fatalf("err = %v, want ErrBrowserUnavailable", err)
	}
	if m.terminated != 1 {
		t.Errorf("terminated %d times, want 1", m.terminated)
	}
}

func TestConnectTokenTimeout(t *testing.T) {
	m := &mockSession{waitAnyErr: browser.ErrWaitTimeout, waitErr: map[string]error{}, stepErr: map[string]error{}}
	l := &mockLauncher{sess: m}
	c, st := newTestController(t, l)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrTokenTimeout) {
		t.Fatalf("err = %v, want ErrTokenTimeout", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if c.LoginToken() != nil {
		t.Error("token should be absent after token timeout")
	}
	if _, ok, _ := st.Get(store.KeyQRCode); ok {
		t.Error("stored qr should be absent after token timeout")
	}
	if m.terminated != 1 {
		t.Errorf("terminated %d times, want 1", m.terminated)
	}
}

func TestConnectLoginTimeout(t *testing.T) {
	sel := DefaultSelectors()
	m := &mockSession{
		attrValue: "raw-login-token",
		waitErr:   map[string]error{sel.Search: browser.ErrWaitTimeout},
		stepErr:   map[string]error{},
	}
	l := &mockLauncher{sess: m}
	c, _ := newTestController(t, l)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrLoginTimeout) {
		t.Fatalf("err = %v, want ErrLoginTimeout", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if m.terminated != 1 {
		t.Errorf("terminated %d times, want 1", m.terminated)
	}
}

func TestShutdownAbortsBackgroundConnect(t *testing.T) {
	sel := DefaultSelectors()
	started := make(chan struct{})
	m := &mockSession{
		attrValue:    "raw-login-token",
		waitErr:      map[string]error{},
		stepErr:      map[string]error{},
		blockOn:      sel.Search,
		blockStarted: started,
	}
	l := &mockLauncher{sess: m}
	c, _ := newTestController(t, l)

	connectDone := make(chan error, 1)
	go func() { connectDone <- c.Connect(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never reached the login wait")
	}

	shutdownDone := make(chan struct{})
	go func() {
		c.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked behind the background connect's login wait")
	}

	if err := <-connectDone; err == nil {
		t.Error("connect should fail once shut down")
	}
	if c.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", c.State())
	}
	if m.terminated != 1 {
		t.Errorf("terminated %d times, want 1", m.terminated)
	}

	// The controller stays down; a later connect is refused outright.
	if err := c.Connect(context.Background()); !errors.Is(err, ErrBrowserUnavailable) {
		t.Errorf("connect after shutdown = %v, want ErrBrowserUnavailable", err)
	}
	if l.starts != 1 {
		t.Errorf("launcher starts = %d, want 1", l.starts)
	}
}

func TestConnectPersistFailureReleasesHandle(t *testing.T) {
	m := &mockSession{attrValue: "raw-login-token", waitErr: map[string]error{}, stepErr: map[string]error{}}
	l := &mockLauncher{sess: m}
	c, st := newTestController(t, l)
	_ = st.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrBrowserUnavailable) {
		t.Fatalf("err = %v, want ErrBrowserUnavailable", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if c.IsAuthenticated() {
		t.Error("must not claim authentication when persistence failed")
	}
	if m.terminated != 1 {
		t.Errorf("terminated %d times, want 1", m.terminated)
	}

	// The first handle was released, so a retry begins with a fresh one
	// instead of stacking a second live browser on top of it.
	l.sess = &mockSession{attrValue: "raw-login-token", waitErr: map[string]error{}, stepErr: map[string]error{}}
	_ = c.Connect(context.Background())
	if l.starts != 2 {
		t.Errorf("launcher starts = %d, want 2", l.starts)
	}
}

func TestConnectCustomSelectors(t *testing.T) {
	sel := Selectors{
		QRToken:     "canvas[data-login]",
		QRAttribute: "data-login",
		Search:      `div[aria-label="Search"]`,
		Compose:     `div[aria-label="Message"]`,
		Attach:      `button[aria-label="Attach"]`,
		FileInput:   `input[type="file"]`,
		MediaSend:   `button[aria-label="Send"]`,
	}
	m := &mockSession{attrValue: "raw-login-token", waitErr: map[string]error{}, stepErr: map[string]error{}}
	l := &mockLauncher{sess: m}
	c, _ := newTestController(t, l)
	c.SetSelectors(sel)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	wantCalls := map[string]bool{
		"attr:" + sel.QRToken + ":" + sel.QRAttribute: false,
		"wait:" + sel.Search:                          false,
	}
	for _, call := range m.calls {
		if _, ok := wantCalls[call]; ok {
			wantCalls[call] = true
		}
	}
	for call, seen := range wantCalls {
		if !seen {
			t.Errorf("call %q never issued", call)
		}
	}
}

func TestTokenSuppressedAfterLogin(t *testing.T) {
	c, st, _, _ := connectedController(t)

	if c.LoginToken() != nil {
		t.Error("authenticated controller must not serve a token")
	}
	if s := c.GetStatus(); s.TokenAvailable {
		t.Error("status reports tokenAvailable while authenticated")
	}
	if _, ok, _ := st.Get(store.KeyQRCode); ok {
		t.Error("stored qr not cleared on login")
	}
}

func TestSendNotReady(t *testing.T) {
	m := &mockSession{waitErr: map[string]error{}, stepErr: map[string]error{}}
	l := &mockLauncher{sess: m}
	c, _ := newTestController(t, l)

	err := c.Send(context.Background(), Payload{Kind: KindText, Text: "hello"})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if len(m.calls) != 0 {
		t.Errorf("browser touched while not ready: %v", m.calls)
	}
	if l.starts != 0 {
		t.Errorf("launcher started %d times, want 0", l.starts)
	}
}

func TestSendTextSequence(t *testing.T) {
	c, _, m, _ := connectedController(t)
	if err := c.SetDestination("923001234567"); err != nil {
		t.Fatalf("set destination: %v", err)
	}

	before := len(m.calls)
	if err := c.Send(context.Background(), Payload{Kind: KindText, Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	sel := DefaultSelectors()
	want := []string{
		"wait:" + sel.Search,
		"clear:" + sel.Search,
		"type:" + sel.Search + ":923001234567",
		"enter:" + sel.Search,
		"wait:" + sel.Compose,
		"type:" + sel.Compose + ":hello",
		"enter:" + sel.Compose,
	}
	got := m.calls[before:]
	if len(got) != len(want) {
		t.Fatalf("call sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSendMediaSequence(t *testing.T) {
	c, _, m, _ := connectedController(t)
	if err := c.SetDestination("923001234567"); err != nil {
		t.Fatalf("set destination: %v", err)
	}

	before := len(m.calls)
	err := c.Send(context.Background(), Payload{Kind: KindImage, Path: "/tmp/photo.jpg", Text: "caption"})
	if err != nil {
		t.Fatalf("send media: %v", err)
	}

	sel := DefaultSelectors()
	want := []string{
		"wait:" + sel.Search,
		"clear:" + sel.Search,
		"type:" + sel.Search + ":923001234567",
		"enter:" + sel.Search,
		"click:" + sel.Attach,
		"setfile:" + sel.FileInput + ":/tmp/photo.jpg",
		"type:" + sel.Compose + ":caption",
		"click:" + sel.MediaSend,
	}
	got := m.calls[before:]
	if len(got) != len(want) {
		t.Fatalf("call sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSendSessionLost(t *testing.T) {
	c, st, m, _ := connectedController(t)
	if err := c.SetDestination("923001234567"); err != nil {
		t.Fatalf("set destination: %v", err)
	}

	m.waitErr[DefaultSelectors().Search] = errors.New("element not found")
	err := c.Send(context.Background(), Payload{Kind: KindText, Text: "hello"})
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("err = %v, want ErrSessionLost", err)
	}
	if c.IsAuthenticated() {
		t.Error("authentication not reset after session loss")
	}
	if m.terminated != 1 {
		t.Errorf("terminated %d times, want exactly 1", m.terminated)
	}
	if v, _, _ := st.GetString(store.KeyAuthenticated); v != "false" {
		t.Errorf("persisted auth flag = %q, want false", v)
	}

	// A later send is rejected without touching the browser again.
	before := len(m.calls)
	if err := c.Send(context.Background(), Payload{Kind: KindText, Text: "again"}); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
	if len(m.calls) != before {
		t.Error("browser touched after session loss")
	}
}

func TestSendTransientFailureKeepsState(t *testing.T) {
	c, _, m, _ := connectedController(t)
	if err := c.SetDestination("923001234567"); err != nil {
		t.Fatalf("set destination: %v", err)
	}

	sel := DefaultSelectors()
	m.stepErr["type:"+sel.Compose] = errors.New("detached node")
	err := c.Send(context.Background(), Payload{Kind: KindText, Text: "hello"})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if !c.IsAuthenticated() {
		t.Error("transient failure must not reset authentication")
	}
	if m.terminated != 0 {
		t.Error("transient failure must not release the handle")
	}

	// Retry of the same send succeeds once the UI recovers.
	delete(m.stepErr, "type:"+sel.Compose)
	if err := c.Send(context.Background(), Payload{Kind: KindText, Text: "hello"}); err != nil {
		t.Errorf("retry: %v", err)
	}
}

func TestDestinationRoundTripSurvivesRestart(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cfg := testConfig(t)
	c, err := New(cfg, st, &mockLauncher{sess: &mockSession{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.SetDestination("923001234567"); err != nil {
		t.Fatalf("set destination: %v", err)
	}
	if got := c.Destination(); got != "923001234567" {
		t.Errorf("destination = %q", got)
	}

	// Simulated restart: fresh controller over the same store.
	c2, err := New(cfg, st, &mockLauncher{sess: &mockSession{}})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := c2.Destination(); got != "923001234567" {
		t.Errorf("destination after restart = %q", got)
	}
	if c2.IsAuthenticated() {
		t.Error("restart must never claim authentication")
	}
}

func TestSetDestinationValidation(t *testing.T) {
	c, _ := newTestController(t, &mockLauncher{sess: &mockSession{}})

	for _, bad := range []string{"", "12345", "92300abc4567", "+923001234567"} {
		if err := c.SetDestination(bad); err == nil {
			t.Errorf("SetDestination(%q) accepted", bad)
		}
	}
	if err := c.SetDestination("923001234567"); err != nil {
		t.Errorf("SetDestination valid: %v", err)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	c, st, m, l := connectedController(t)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if c.IsAuthenticated() {
		t.Error("still authenticated after logout")
	}
	if m.terminated != 1 {
		t.Errorf("terminated %d times, want 1", m.terminated)
	}
	if _, ok, _ := st.Get(store.KeySession); ok {
		t.Error("session handle survived logout")
	}
	if v, _, _ := st.GetString(store.KeyAuthenticated); v != "false" {
		t.Errorf("auth flag = %q, want false", v)
	}

	// A fresh connect is possible afterwards.
	l.sess = &mockSession{attrValue: "raw-token-2", waitErr: map[string]error{}, stepErr: map[string]error{}}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after logout: %v", err)
	}
	if l.starts != 2 {
		t.Errorf("launcher starts = %d, want 2", l.starts)
	}
}

func TestStatusProjection(t *testing.T) {
	c, _ := newTestController(t, &mockLauncher{sess: &mockSession{}})

	s := c.GetStatus()
	if s.Authenticated || s.TokenAvailable {
		t.Errorf("fresh status = %+v", s)
	}

	if err := c.SetDestination("923001234567"); err != nil {
		t.Fatal(err)
	}
	if s := c.GetStatus(); s.Destination != "923001234567" {
		t.Errorf("status destination = %q", s.Destination)
	}
}

func TestJID(t *testing.T) {
	c, _ := newTestController(t, &mockLauncher{sess: &mockSession{}})
	if got := c.JID(); got != "" {
		t.Errorf("empty target JID = %q", got)
	}
	if err := c.SetDestination("923001234567"); err != nil {
		t.Fatal(err)
	}
	if got := c.JID(); got != "923001234567@c.us" {
		t.Errorf("JID = %q", got)
	}
}

func TestRenderQR(t *testing.T) {
	png, err := renderQR("1@abcdef,secret,token")
	if err != nil {
		t.Fatalf("renderQR: %v", err)
	}
	// PNG magic.
	if len(png) < 8 || png[0] != 0x89 || string(png[1:4]) != "PNG" {
		t.Errorf("output is not a PNG (%d bytes)", len(png))
	}
}
