package embedhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/curia-network/embedhost/authsvc"
	"github.com/curia-network/embedhost/broadcast"
	"github.com/curia-network/embedhost/frame"
	"github.com/curia-network/embedhost/internal/logctx"
	"github.com/curia-network/embedhost/proxy"
	"github.com/curia-network/embedhost/router"
	"github.com/curia-network/embedhost/sessionstore"
	"github.com/curia-network/embedhost/sigval"
	"github.com/curia-network/embedhost/wire"
)

// Phase is the orchestrator's lifecycle phase. The only edge back from
// PhaseForum to PhaseAuthenticating is an explicit reset (sign-out or
// add-account).
type Phase string

const (
	PhaseAuthenticating Phase = "authenticating"
	PhaseForum          Phase = "forum"
)

// ErrDestroyed is returned by operations on a destroyed Host.
var ErrDestroyed = errors.New("embedhost: host destroyed")

// Options configures a Host. Store and Channel are required; everything
// else has a working default derived from Runtime.
type Options struct {
	Embed   EmbedConfig
	Runtime RuntimeConfig

	Store   *sessionstore.Store
	Channel broadcast.Channel

	// Container defaults to an in-memory container.
	Container frame.Container

	// Proxy defaults to the HTTP relay against Runtime.APIBaseURL.
	Proxy proxy.Client

	// Validator defaults to one built from Runtime.PublicKeyJWK, or the
	// baked-in key when that is empty.
	Validator *sigval.Validator

	// RequireSignatures tightens the router's unsigned-request policy.
	RequireSignatures bool

	ColorScheme frame.ColorSchemeFunc

	// OnPhaseChange observes phase transitions.
	OnPhaseChange func(Phase)

	Logger *slog.Logger
}

// Host drives one widget instantiation.
type Host struct {
	embed   EmbedConfig
	runtime RuntimeConfig
	log     *slog.Logger

	store     *sessionstore.Store
	ch        broadcast.Channel
	container frame.Container
	manager   *frame.Manager
	router    *router.Router
	auth      *authsvc.Service

	onPhase func(Phase)

	mu          sync.Mutex
	phase       Phase
	communities []authsvc.Community
	profile     *authsvc.Profile
	lastReload  time.Time
	initialized bool
	destroyed   bool
	unsubXTab   func()
}

// New assembles a Host. Initialize must be called before messages flow.
func New(opts Options) (*Host, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("embedhost: session store is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("embedhost: broadcast channel is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Container == nil {
		opts.Container = frame.NewMemoryContainer()
	}
	if opts.Runtime.CrossTabReloadInterval <= 0 {
		opts.Runtime.CrossTabReloadInterval = 5 * time.Second
	}

	h := &Host{
		embed:     opts.Embed,
		runtime:   opts.Runtime,
		log:       opts.Logger,
		store:     opts.Store,
		ch:        opts.Channel,
		container: opts.Container,
		onPhase:   opts.OnPhaseChange,
		phase:     PhaseAuthenticating,
	}

	validator := opts.Validator
	if validator == nil {
		var err error
		if opts.Runtime.PublicKeyJWK != "" {
			validator, err = sigval.NewFromJWK([]byte(opts.Runtime.PublicKeyJWK), sigval.WithLogger(h.log))
		} else {
			validator, err = sigval.New(nil, sigval.WithLogger(h.log))
		}
		if err != nil {
			return nil, err
		}
	}

	proxyClient := opts.Proxy
	if proxyClient == nil {
		var err error
		proxyClient, err = proxy.NewHTTPClient(opts.Runtime.APIBaseURL)
		if err != nil {
			return nil, err
		}
	}

	manager, err := frame.NewManager(frame.ManagerConfig{
		AuthBaseURL:  opts.Runtime.AuthBaseURL,
		ForumBaseURL: opts.Runtime.ForumBaseURL,
		Channel:      opts.Channel,
		ColorScheme:  opts.ColorScheme,
		Logger:       h.log,
	})
	if err != nil {
		return nil, err
	}
	h.manager = manager

	h.auth, err = authsvc.New(authsvc.Config{
		Store:           opts.Store,
		Proxy:           proxyClient,
		APIBaseURL:      opts.Runtime.APIBaseURL,
		OnSessionSwitch: h.onSessionSwitch,
		OnSignOut:       h.onSignOut,
		Logger:          h.log,
	})
	if err != nil {
		return nil, err
	}

	h.router, err = router.New(router.Config{
		InstanceID:        manager.InstanceID(),
		Channel:           opts.Channel,
		Validator:         validator,
		Proxy:             proxyClient,
		Auth:              h.auth.CallAuth,
		OnControl:         h.onControl,
		OnSwitchCommunity: h.switchCommunity,
		Active:            manager.Active,
		RequireSignatures: opts.RequireSignatures,
		Logger:            h.log,
	})
	if err != nil {
		h.auth.Close()
		return nil, err
	}
	return h, nil
}

// InstanceID returns the widget instance id.
func (h *Host) InstanceID() string { return h.manager.InstanceID() }

// Phase returns the current lifecycle phase.
func (h *Host) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Communities returns the community list fetched on auth completion.
func (h *Host) Communities() []authsvc.Community {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]authsvc.Community(nil), h.communities...)
}

// Profile returns the enriched profile fetched on auth completion.
func (h *Host) Profile() (authsvc.Profile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.profile == nil {
		return authsvc.Profile{}, false
	}
	return *h.profile, true
}

// Initialize starts the router, attaches the cross-tab listener, sizes the
// container, and launches the authentication context.
func (h *Host) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	if h.initialized {
		h.mu.Unlock()
		return fmt.Errorf("embedhost: already initialized")
	}
	h.initialized = true
	h.mu.Unlock()

	if err := h.router.Start(ctx); err != nil {
		return err
	}

	// Dedicated cross-tab signal, distinct from generic storage traffic.
	// Own-origin events are this instance's writes; other tabs only.
	unsub, err := h.ch.Subscribe(ctx, sessionstore.ChangeTopic, func(ctx context.Context, ev broadcast.Event) {
		if ev.Origin == h.ch.Origin() {
			return
		}
		h.crossTabUpdate(ctx)
	})
	if err != nil {
		h.router.Close()
		return fmt.Errorf("embedhost: failed to attach cross-tab listener: %w", err)
	}
	h.mu.Lock()
	h.unsubXTab = unsub
	h.mu.Unlock()

	if h.embed.Width != "" || h.embed.Height != "" {
		h.container.SetDimensions(h.embed.Width, h.embed.Height)
	}
	return h.enterAuthenticating(ctx)
}

func (h *Host) launchSpec() frame.LaunchSpec {
	return frame.LaunchSpec{
		Theme:           h.embed.Theme,
		BackgroundColor: h.embed.BackgroundColor,
		CommunityID:     h.embed.CommunityID,
		Mode:            h.embed.Mode,
		ParentURL:       h.embed.ParentURL,
		ExternalParams:  h.embed.ExternalParams,
	}
}

func (h *Host) enterAuthenticating(ctx context.Context) error {
	c, err := h.manager.CreateAuthContext(ctx, h.launchSpec())
	if err != nil {
		return err
	}
	h.container.Append(c)

	h.setPhase(ctx, PhaseAuthenticating)
	return nil
}

func (h *Host) setPhase(ctx context.Context, p Phase) {
	h.mu.Lock()
	changed := h.phase != p
	h.phase = p
	onPhase := h.onPhase
	h.mu.Unlock()

	lctx := logctx.WithWidgetData(ctx, &logctx.WidgetData{InstanceID: h.manager.InstanceID(), Phase: string(p)})
	if changed {
		h.log.InfoContext(lctx, "phase transition")
	}
	if changed && onPhase != nil {
		onPhase(p)
	}
}

// onControl handles trusted control messages from the auth surface.
func (h *Host) onControl(ctx context.Context, cm *wire.ControlMessage) {
	switch cm.Type {
	case wire.ControlAuthComplete, wire.ControlAddSessionComplete:
		var payload wire.AuthCompletePayload
		if err := json.Unmarshal(cm.Data, &payload); err != nil {
			h.log.WarnContext(ctx, "malformed auth completion payload", slog.String("err", err.Error()))
			return
		}
		h.completeAuth(ctx, payload)

	case wire.ControlCommunityDiscovery:
		var payload struct {
			CommunityID string `json:"communityId"`
		}
		if err := json.Unmarshal(cm.Data, &payload); err != nil || payload.CommunityID == "" {
			h.log.WarnContext(ctx, "malformed community discovery payload")
			return
		}
		h.auth.SetCommunity(payload.CommunityID)
		if ac, ok := h.auth.Current(); ok {
			h.enterForum(ctx, ac, payload.CommunityID)
		}

	case wire.ControlProxyReady:
		h.log.DebugContext(ctx, "api proxy ready")
	}
}

func (h *Host) completeAuth(ctx context.Context, payload wire.AuthCompletePayload) {
	if payload.Mode == "" {
		payload.Mode = h.embed.Mode
	}
	ac, err := h.auth.HandleAuthCompletion(ctx, payload)
	if err != nil {
		h.log.WarnContext(ctx, "rejected auth completion", slog.String("err", err.Error()))
		return
	}
	if ac.AuthOnly() {
		h.log.InfoContext(ctx, "auth-only mode, staying in authentication phase")
		return
	}

	communityID := ac.CommunityID
	if communityID == "" {
		communityID = h.embed.CommunityID
	}
	if communityID == "" {
		// Waiting for community discovery to pick one.
		h.log.InfoContext(ctx, "authenticated without community, awaiting discovery")
		return
	}
	h.enterForum(ctx, ac, communityID)
}

func (h *Host) enterForum(ctx context.Context, ac *authsvc.AuthContext, communityID string) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	communities := h.auth.FetchUserCommunities(ctx, *ac)
	var profilePtr *authsvc.Profile
	if p, ok := h.auth.FetchUserProfile(ctx, *ac); ok {
		profilePtr = &p
	}
	h.mu.Lock()
	h.communities = communities
	h.profile = profilePtr
	h.mu.Unlock()

	// Tear down the authentication layout and mount the forum pane.
	h.container.Clear()
	if _, err := h.manager.CreateForumContext(ctx, h.launchSpec(), communityID, h.container); err != nil {
		h.log.ErrorContext(ctx, "failed to create forum context", slog.String("err", err.Error()))
		return
	}
	h.setPhase(ctx, PhaseForum)
}

// switchCommunity is the local handler for the switchCommunity method.
func (h *Host) switchCommunity(ctx context.Context, communityID string) error {
	ac, ok := h.auth.Current()
	if !ok {
		return fmt.Errorf("embedhost: no authenticated session")
	}
	h.auth.SetCommunity(communityID)

	h.mu.Lock()
	inForum := h.phase == PhaseForum
	h.mu.Unlock()
	if inForum {
		h.container.Clear()
		if _, err := h.manager.CreateForumContext(ctx, h.launchSpec(), communityID, h.container); err != nil {
			return err
		}
	}
	h.log.InfoContext(ctx, "switched community",
		slog.String("community_id", communityID), slog.String("user_id", ac.UserID))
	return nil
}

// onSessionSwitch repoints presentation state at the new identity, then
// reloads the forum context. A live context built for a stale identity is
// undefined behavior; a full reload is the only supported path.
func (h *Host) onSessionSwitch(ctx context.Context, token string, profile authsvc.Profile) {
	h.mu.Lock()
	inForum := h.phase == PhaseForum && !h.destroyed
	if inForum {
		h.profile = &profile
	}
	h.mu.Unlock()
	if !inForum {
		return
	}

	if ac, ok := h.auth.Current(); ok {
		communities := h.auth.FetchUserCommunities(ctx, *ac)
		h.mu.Lock()
		h.communities = communities
		h.mu.Unlock()
	}
	if err := h.manager.Reload(ctx); err != nil {
		h.log.WarnContext(ctx, "failed to reload after session switch", slog.String("err", err.Error()))
	}
}

// onSignOut resets to the authenticating phase, the only legal return edge.
func (h *Host) onSignOut(ctx context.Context) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.communities = nil
	h.profile = nil
	h.mu.Unlock()

	h.container.CleanupPortals()
	h.container.Clear()
	if err := h.manager.Destroy(); err != nil {
		h.log.WarnContext(ctx, "failed to tear down contexts", slog.String("err", err.Error()))
	}
	if err := h.enterAuthenticating(ctx); err != nil {
		h.log.ErrorContext(ctx, "failed to re-enter authentication", slog.String("err", err.Error()))
	}
}

// SignOut clears the active session and resets the widget.
func (h *Host) SignOut(ctx context.Context) error {
	return h.auth.SignOut(ctx)
}

// AddAccount re-enters the authenticating phase without discarding stored
// sessions, so the user can sign in with another identity.
func (h *Host) AddAccount(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	h.mu.Unlock()

	h.container.CleanupPortals()
	h.container.Clear()
	if err := h.manager.Destroy(); err != nil {
		return err
	}
	return h.enterAuthenticating(ctx)
}

// crossTabUpdate reacts to another tab's session change: throttled, and
// only while the forum phase is live.
func (h *Host) crossTabUpdate(ctx context.Context) {
	h.mu.Lock()
	if h.destroyed || h.phase != PhaseForum {
		h.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(h.lastReload) < h.runtime.CrossTabReloadInterval {
		h.mu.Unlock()
		return
	}
	h.lastReload = now
	h.mu.Unlock()

	if err := h.manager.Reload(ctx); err != nil {
		h.log.WarnContext(ctx, "failed cross-tab reload", slog.String("err", err.Error()))
	}
}

// SendSidebarAction relays a host-initiated action to the active context.
func (h *Host) SendSidebarAction(ctx context.Context, action string, payload any) error {
	return h.router.SendSidebarAction(ctx, action, payload)
}

// Destroy tears the services down in dependency order and clears the
// container. Safe to call twice; late responses after destroy are dropped
// because the router subscription is gone.
func (h *Host) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	unsubXTab := h.unsubXTab
	h.unsubXTab = nil
	h.mu.Unlock()

	if unsubXTab != nil {
		unsubXTab()
	}
	var errs []error
	if err := h.auth.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.router.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.manager.Destroy(); err != nil {
		errs = append(errs, err)
	}
	h.container.Clear()
	return errors.Join(errs...)
}
