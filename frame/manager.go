package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/curia-network/embedhost/broadcast"
	"github.com/curia-network/embedhost/internal/logctx"
	"github.com/curia-network/embedhost/wire"
)

var (
	// ErrNoActiveContext is returned by operations that need a live context
	// when none has been created or all have been destroyed.
	ErrNoActiveContext = errors.New("frame: no active context")

	// ErrContextClosed is returned by operations on a destroyed context.
	ErrContextClosed = errors.New("frame: context is closed")
)

// ColorSchemeFunc reports the host's current color scheme, "light" or
// "dark". Used to resolve theme "auto" at context creation time.
type ColorSchemeFunc func() string

// ContextFactory creates the execution surface for a launch URL. The
// default factory builds an in-process context wired to the broadcast
// channel; embedders hosting a real surface substitute their own.
type ContextFactory func(instanceID string, kind Kind, launch *url.URL, ch broadcast.Channel) (Context, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	AuthBaseURL  string
	ForumBaseURL string
	Channel      broadcast.Channel

	// ColorScheme resolves theme "auto". Defaults to always-"light".
	ColorScheme ColorSchemeFunc

	// Sandbox and Permissions default to DefaultSandbox and
	// DefaultPermissions when unset.
	Sandbox     *SandboxPolicy
	Permissions []string

	NewContext ContextFactory
	Logger     *slog.Logger

	// OnSwitch is invoked after the active context changes.
	OnSwitch func(Kind)
}

// Manager creates and tracks the widget's execution contexts. One Manager
// corresponds to one widget instantiation and owns its instance id.
type Manager struct {
	instanceID  string
	authBase    string
	forumBase   string
	ch          broadcast.Channel
	colorScheme ColorSchemeFunc
	sandbox     SandboxPolicy
	permissions []string
	factory     ContextFactory
	log         *slog.Logger
	onSwitch    func(Kind)

	mu       sync.Mutex
	active   Context
	contexts []Context
}

// NewManager creates a Manager with a fresh instance id.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.AuthBaseURL == "" {
		return nil, fmt.Errorf("frame: auth base URL is required")
	}
	if cfg.ForumBaseURL == "" {
		return nil, fmt.Errorf("frame: forum base URL is required")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("frame: broadcast channel is required")
	}

	m := &Manager{
		instanceID:  wire.NewInstanceID(),
		authBase:    cfg.AuthBaseURL,
		forumBase:   cfg.ForumBaseURL,
		ch:          cfg.Channel,
		colorScheme: cfg.ColorScheme,
		sandbox:     DefaultSandbox,
		permissions: DefaultPermissions,
		factory:     cfg.NewContext,
		log:         cfg.Logger,
		onSwitch:    cfg.OnSwitch,
	}
	if m.colorScheme == nil {
		m.colorScheme = func() string { return "light" }
	}
	if cfg.Sandbox != nil {
		m.sandbox = *cfg.Sandbox
	}
	if cfg.Permissions != nil {
		m.permissions = cfg.Permissions
	}
	if m.factory == nil {
		m.factory = NewMemoryContext
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m, nil
}

// InstanceID returns the widget instance id stamped into launch URLs and
// message envelopes.
func (m *Manager) InstanceID() string { return m.instanceID }

// HostTopic returns this instance's inbound host topic.
func (m *Manager) HostTopic() string { return HostTopic(m.instanceID) }

// ResponseTopic returns this instance's shared response topic.
func (m *Manager) ResponseTopic() string { return ResponseTopic(m.instanceID) }

// Sandbox returns the effective sandbox policy.
func (m *Manager) Sandbox() SandboxPolicy { return m.sandbox }

// Permissions returns the effective capability allow-list.
func (m *Manager) Permissions() []string { return m.permissions }

// Active returns the currently active context.
func (m *Manager) Active() (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// CreateAuthContext launches the authentication surface. The embed theme is
// forwarded verbatim, including "auto".
func (m *Manager) CreateAuthContext(ctx context.Context, spec LaunchSpec) (Context, error) {
	u, err := buildAuthURL(m.authBase, spec, m.instanceID)
	if err != nil {
		return nil, err
	}
	return m.launch(ctx, KindAuth, u)
}

// CreateForumContext launches the forum surface targeting communityID.
// Theme "auto" is resolved against the host color scheme once, here; later
// scheme changes do not retheme a live context.
func (m *Manager) CreateForumContext(ctx context.Context, spec LaunchSpec, communityID string, container Container) (Context, error) {
	theme := spec.Theme
	if theme == "" || theme == "auto" {
		theme = m.colorScheme()
	}
	u, err := buildForumURL(m.forumBase, spec, communityID, theme, m.instanceID)
	if err != nil {
		return nil, err
	}
	c, err := m.launch(ctx, KindForum, u)
	if err != nil {
		return nil, err
	}
	if container != nil {
		container.Append(c)
	}
	return c, nil
}

func (m *Manager) launch(ctx context.Context, kind Kind, u *url.URL) (Context, error) {
	c, err := m.factory(m.instanceID, kind, u, m.ch)
	if err != nil {
		return nil, fmt.Errorf("frame: failed to create %s context: %w", kind, err)
	}

	m.mu.Lock()
	m.active = c
	m.contexts = append(m.contexts, c)
	onSwitch := m.onSwitch
	m.mu.Unlock()

	lctx := logctx.WithWidgetData(ctx, &logctx.WidgetData{InstanceID: m.instanceID, Phase: string(kind)})
	m.log.InfoContext(lctx, "created context", slog.String("launch_url", u.Redacted()))
	if onSwitch != nil {
		onSwitch(kind)
	}
	return c, nil
}

// Reload relaunches the active context. Used after a session switch:
// contexts cannot swap identity in place.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil {
		return ErrNoActiveContext
	}
	return c.Reload(ctx)
}

// Release closes c and drops it from the tracked set. Closing a context
// that is not tracked is a no-op.
func (m *Manager) Release(c Context) error {
	m.mu.Lock()
	kept := m.contexts[:0]
	for _, t := range m.contexts {
		if t != c {
			kept = append(kept, t)
		}
	}
	m.contexts = kept
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()
	return c.Close()
}

// Destroy closes every tracked context. Safe to call repeatedly.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	contexts := m.contexts
	m.contexts = nil
	m.active = nil
	m.mu.Unlock()

	var errs []error
	for _, c := range contexts {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
