package frame

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/curia-network/embedhost/broadcast"
	"github.com/curia-network/embedhost/broadcast/memchan"
	"github.com/curia-network/embedhost/wire"
)

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) *Manager {
	t.Helper()
	ch := memchan.New()
	t.Cleanup(func() { ch.Close() })
	cfg := ManagerConfig{
		AuthBaseURL:  "https://auth.example.com/embed",
		ForumBaseURL: "https://forum.example.com",
		Channel:      ch,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	t.Cleanup(func() { m.Destroy() })
	return m
}

func TestCreateAuthContextBuildsLaunchURL(t *testing.T) {
	m := newTestManager(t, nil)

	c, err := m.CreateAuthContext(context.Background(), LaunchSpec{
		Theme:           "auto",
		BackgroundColor: "#112233",
		CommunityID:     "comm-1",
		Mode:            "auth-only",
		ParentURL:       "https://blog.example.com/post?id=7",
		ExternalParams:  map[string]string{"ref": "newsletter"},
	})
	if err != nil {
		t.Fatalf("CreateAuthContext() failed: %v", err)
	}

	q := c.LaunchURL().Query()
	want := map[string]string{
		"theme":            "auto", // auth surface resolves auto itself
		"background_color": "#112233",
		"community":        "comm-1",
		"mode":             "auth-only",
		"parent_url":       "https://blog.example.com/post?id=7",
		"ref":              "newsletter",
		"iframeUid":        m.InstanceID(),
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("launch param %s = %q, want %q", k, got, v)
		}
	}
}

func TestForumThemeAutoResolvedAtCreation(t *testing.T) {
	scheme := "dark"
	m := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.ColorScheme = func() string { return scheme }
	})

	c, err := m.CreateForumContext(context.Background(), LaunchSpec{Theme: "auto"}, "comm-1", nil)
	if err != nil {
		t.Fatalf("CreateForumContext() failed: %v", err)
	}
	if got := c.LaunchURL().Query().Get("theme"); got != "dark" {
		t.Fatalf("forum theme = %q, want dark", got)
	}

	// A later scheme change must not affect an already-launched context.
	scheme = "light"
	if got := c.LaunchURL().Query().Get("theme"); got != "dark" {
		t.Fatalf("forum theme changed after creation: %q", got)
	}
}

func TestForumParentURLRequiresPreconfiguredCommunity(t *testing.T) {
	m := newTestManager(t, nil)
	spec := LaunchSpec{Theme: "light", ParentURL: "https://blog.example.com"}

	// Discovered community: community id known only at forum creation time.
	c, err := m.CreateForumContext(context.Background(), spec, "discovered-comm", nil)
	if err != nil {
		t.Fatalf("CreateForumContext() failed: %v", err)
	}
	if c.LaunchURL().Query().Has("parent_url") {
		t.Fatal("parent_url leaked to a discovered community")
	}

	spec.CommunityID = "comm-1"
	c, err = m.CreateForumContext(context.Background(), spec, "comm-1", nil)
	if err != nil {
		t.Fatalf("CreateForumContext() failed: %v", err)
	}
	if got := c.LaunchURL().Query().Get("parent_url"); got != "https://blog.example.com" {
		t.Fatalf("parent_url = %q, want forwarded", got)
	}
}

func TestForumContextMountsIntoContainer(t *testing.T) {
	m := newTestManager(t, nil)
	container := NewMemoryContainer()

	c, err := m.CreateForumContext(context.Background(), LaunchSpec{}, "comm-1", container)
	if err != nil {
		t.Fatalf("CreateForumContext() failed: %v", err)
	}
	kids := container.Children()
	if len(kids) != 1 || kids[0] != c {
		t.Fatalf("container children = %v", kids)
	}
}

func TestSwitchCallbackAndActiveTracking(t *testing.T) {
	var switches []Kind
	m := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.OnSwitch = func(k Kind) { switches = append(switches, k) }
	})

	if _, ok := m.Active(); ok {
		t.Fatal("fresh manager reports an active context")
	}
	auth, err := m.CreateAuthContext(context.Background(), LaunchSpec{})
	if err != nil {
		t.Fatalf("CreateAuthContext() failed: %v", err)
	}
	forum, err := m.CreateForumContext(context.Background(), LaunchSpec{}, "comm-1", nil)
	if err != nil {
		t.Fatalf("CreateForumContext() failed: %v", err)
	}

	active, ok := m.Active()
	if !ok || active != forum {
		t.Fatalf("active = %v, want forum context", active)
	}
	if len(switches) != 2 || switches[0] != KindAuth || switches[1] != KindForum {
		t.Fatalf("switch callbacks = %v", switches)
	}

	if err := m.Release(auth); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if err := auth.Send(context.Background(), []byte("{}")); err != ErrContextClosed {
		t.Fatalf("Send() after release = %v, want ErrContextClosed", err)
	}
}

func TestReloadPublishesInitToContextTopic(t *testing.T) {
	ch := memchan.New()
	defer ch.Close()
	m := newTestManager(t, func(cfg *ManagerConfig) { cfg.Channel = ch })

	c, err := m.CreateForumContext(context.Background(), LaunchSpec{}, "comm-1", nil)
	if err != nil {
		t.Fatalf("CreateForumContext() failed: %v", err)
	}

	got := make(chan broadcast.Event, 1)
	unsub, err := ch.Subscribe(context.Background(), ContextTopic(m.InstanceID(), KindForum), func(ctx context.Context, ev broadcast.Event) {
		got <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer unsub()

	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}

	select {
	case ev := <-got:
		var msg wire.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			t.Fatalf("failed to decode reload message: %v", err)
		}
		if msg.Type != wire.TypeInit || msg.IframeUID != m.InstanceID() {
			t.Fatalf("reload message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reload announcement")
	}

	if c.(*MemoryContext).Reloads() != 1 {
		t.Fatalf("reload count = %d, want 1", c.(*MemoryContext).Reloads())
	}
}

func TestReloadWithoutContext(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Reload(context.Background()); err != ErrNoActiveContext {
		t.Fatalf("Reload() = %v, want ErrNoActiveContext", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.CreateAuthContext(context.Background(), LaunchSpec{}); err != nil {
		t.Fatalf("CreateAuthContext() failed: %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy() failed: %v", err)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("second Destroy() failed: %v", err)
	}
	if _, ok := m.Active(); ok {
		t.Fatal("destroyed manager reports an active context")
	}
}

func TestSandboxAndPermissionAttributes(t *testing.T) {
	if got := DefaultSandbox.Attribute(); got != "allow-scripts allow-same-origin allow-forms allow-popups" {
		t.Fatalf("sandbox attribute = %q", got)
	}
	if got := (SandboxPolicy{Scripts: true}).Attribute(); got != "allow-scripts" {
		t.Fatalf("sandbox attribute = %q", got)
	}
	if got := PermissionsAttribute([]string{"camera", "clipboard-write"}); got != "camera; clipboard-write" {
		t.Fatalf("permissions attribute = %q", got)
	}
}
