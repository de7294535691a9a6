// Package authsvc turns authentication outcomes into session state and
// enriched identity data. It owns the auth context produced by the auth
// surface's completion signal, fetches the user's communities and profile
// (proxy-first with a direct HTTP fallback), and translates session store
// changes into switch and sign-out callbacks for the orchestrator.
package authsvc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/curia-network/embedhost/internal/logctx"
	"github.com/curia-network/embedhost/proxy"
	"github.com/curia-network/embedhost/sessionstore"
	"github.com/curia-network/embedhost/wire"
)

const (
	// ModeAuthOnly short-circuits the widget after authentication; no forum
	// phase follows.
	ModeAuthOnly = "auth-only"

	// defaultSessionTTL is the provisional record lifetime when the auth
	// surface did not report an expiry. Reconciliation corrects it.
	defaultSessionTTL = 30 * 24 * time.Hour

	cacheSize = 64
	cacheTTL  = 5 * time.Minute
)

// AuthContext is the identity established by a completed authentication
// flow. It seeds proxied calls and the forum launch.
type AuthContext struct {
	UserID         string
	CommunityID    string
	SessionToken   string
	ExternalParams map[string]string
	ParentURL      string
	Mode           string
}

// AuthOnly reports whether the flow should stop after authentication.
func (a AuthContext) AuthOnly() bool { return a.Mode == ModeAuthOnly }

// CallAuth converts the context into proxied-call identity.
func (a AuthContext) CallAuth() proxy.CallAuth {
	return proxy.CallAuth{UserID: a.UserID, CommunityID: a.CommunityID, Token: a.SessionToken}
}

// Community is one membership row shown by the community picker.
type Community struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LogoURL  string `json:"logoUrl,omitempty"`
	UserRole string `json:"userRole,omitempty"`
	IsMember bool   `json:"isMember"`
}

// Profile is the enriched identity for the active user.
type Profile struct {
	UserID          string `json:"userId"`
	Name            string `json:"name,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	IdentityType    string `json:"identityType,omitempty"`
	WalletAddress   string `json:"walletAddress,omitempty"`
}

// SwitchFunc observes active-session changes, including those initiated by
// other tabs. token is the new active session token; profile is the view
// rebuilt from the new active record.
type SwitchFunc func(ctx context.Context, token string, profile Profile)

// ProfileFromRecord builds the profile view for a session record. The
// proxy-backed fetch refines it when the backend is reachable.
func ProfileFromRecord(rec sessionstore.Record) Profile {
	return Profile{
		UserID:          rec.UserID,
		Name:            rec.Name,
		ProfileImageURL: rec.ProfileImageURL,
		IdentityType:    string(rec.Identity),
		WalletAddress:   rec.WalletAddress,
	}
}

// SignOutFunc observes the transition to no active session.
type SignOutFunc func(ctx context.Context)

// Config configures a Service.
type Config struct {
	Store *sessionstore.Store
	Proxy proxy.Client

	// APIBaseURL enables the direct HTTP fallback used before the proxy is
	// ready. Empty disables the fallback.
	APIBaseURL string
	HTTPClient *http.Client

	OnSessionSwitch SwitchFunc
	OnSignOut       SignOutFunc

	Logger *slog.Logger
}

// Service coordinates authentication state for one widget instance.
type Service struct {
	store    *sessionstore.Store
	proxy    proxy.Client
	baseURL  string
	httpc    *http.Client
	log      *slog.Logger
	onSwitch SwitchFunc
	onOut    SignOutFunc

	communities *expirable.LRU[string, []Community]
	profiles    *expirable.LRU[string, Profile]

	mu         sync.Mutex
	authCtx    *AuthContext
	lastActive string
	primed     bool
	suppress   bool
	unsub      func()
}

// New creates a Service and begins observing the session store.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("authsvc: session store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	s := &Service{
		store:       cfg.Store,
		proxy:       cfg.Proxy,
		baseURL:     cfg.APIBaseURL,
		httpc:       cfg.HTTPClient,
		log:         cfg.Logger,
		onSwitch:    cfg.OnSessionSwitch,
		onOut:       cfg.OnSignOut,
		communities: expirable.NewLRU[string, []Community](cacheSize, nil, cacheTTL),
		profiles:    expirable.NewLRU[string, Profile](cacheSize, nil, cacheTTL),
	}
	s.unsub = cfg.Store.Subscribe(s.observeSnapshot)
	return s, nil
}

// Close stops store observation.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	return nil
}

// observeSnapshot fires switch/sign-out callbacks on active-token
// transitions. The initial subscription snapshot only primes the baseline;
// transitions caused by an in-flight SignOut are suppressed so the sign-out
// callback is the one that fires.
func (s *Service) observeSnapshot(snap sessionstore.Snapshot) {
	s.mu.Lock()
	prev, primed, suppressed := s.lastActive, s.primed, s.suppress
	s.lastActive = snap.ActiveToken
	s.primed = true
	onSwitch, onOut := s.onSwitch, s.onOut
	s.mu.Unlock()

	if !primed || suppressed || snap.ActiveToken == prev {
		return
	}

	ctx := context.Background()
	if snap.ActiveToken == "" {
		s.log.InfoContext(ctx, "active session cleared")
		if onOut != nil {
			onOut(ctx)
		}
		return
	}

	var rec *sessionstore.Record
	for i := range snap.Records {
		if snap.Records[i].Token == snap.ActiveToken {
			rec = &snap.Records[i]
			break
		}
	}
	profile := Profile{}
	if rec != nil {
		profile = ProfileFromRecord(*rec)
		// The auth context is replaced wholesale for the new identity;
		// widget-configuration fields carry over.
		s.mu.Lock()
		if s.authCtx != nil {
			ac := *s.authCtx
			ac.UserID = rec.UserID
			ac.SessionToken = rec.Token
			s.authCtx = &ac
		}
		s.mu.Unlock()
	}
	s.log.InfoContext(ctx, "active session switched")
	if onSwitch != nil {
		onSwitch(ctx, snap.ActiveToken, profile)
	}
}

// HandleAuthCompletion records the authenticated identity and returns the
// auth context driving the rest of the flow. Auth-only mode still persists
// the session so later full embeds reuse it.
func (s *Service) HandleAuthCompletion(ctx context.Context, payload wire.AuthCompletePayload) (*AuthContext, error) {
	if payload.SessionToken == "" || payload.UserID == "" {
		return nil, fmt.Errorf("authsvc: auth completion missing identity")
	}

	ac := &AuthContext{
		UserID:         payload.UserID,
		CommunityID:    payload.CommunityID,
		SessionToken:   payload.SessionToken,
		ExternalParams: payload.ExternalParams,
		ParentURL:      payload.ParentURL,
		Mode:           payload.Mode,
	}

	identity := sessionstore.IdentityKind(payload.IdentityType)
	if !identity.Valid() {
		identity = sessionstore.IdentityAnonymous
	}
	expires := time.Now().Add(defaultSessionTTL)
	if payload.ExpiresAt > 0 {
		expires = time.UnixMilli(payload.ExpiresAt)
	}

	lctx := logctx.WithSessionData(ctx, &logctx.SessionData{UserID: ac.UserID, CommunityID: ac.CommunityID})
	err := s.store.Add(ctx, sessionstore.Record{
		Token:          ac.SessionToken,
		UserID:         ac.UserID,
		Identity:       identity,
		ExpiresAt:      expires,
		LastAccessedAt: time.Now(),
		IsActive:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("authsvc: failed to record session: %w", err)
	}
	s.log.InfoContext(lctx, "authentication completed", slog.String("mode", ac.Mode))

	s.mu.Lock()
	s.authCtx = ac
	s.mu.Unlock()
	return ac, nil
}

// Current returns the auth context from the most recent completion.
func (s *Service) Current() (*AuthContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCtx, s.authCtx != nil
}

// SetCommunity repoints the current auth context at a new community. Used
// by the local switchCommunity handler.
func (s *Service) SetCommunity(communityID string) {
	s.mu.Lock()
	if s.authCtx != nil {
		s.authCtx.CommunityID = communityID
	}
	s.mu.Unlock()
}

// CallAuth returns the identity attached to proxied calls for the active
// session. Zero-valued when signed out.
func (s *Service) CallAuth(ctx context.Context) proxy.CallAuth {
	rec, ok := s.store.GetActive(ctx)
	if !ok {
		return proxy.CallAuth{}
	}
	auth := proxy.CallAuth{UserID: rec.UserID, Token: rec.Token}
	s.mu.Lock()
	if s.authCtx != nil {
		auth.CommunityID = s.authCtx.CommunityID
	}
	s.mu.Unlock()
	return auth
}

// SwitchTo makes token the active session.
func (s *Service) SwitchTo(ctx context.Context, token string) error {
	return s.store.SetActive(ctx, token)
}

// SignOut removes the active session. The sign-out callback always fires,
// regardless of whether the removal succeeded or another stored session got
// promoted in its place: local state must not stay authenticated, and the
// caller resets rather than silently switching identity.
func (s *Service) SignOut(ctx context.Context) error {
	s.communities.Purge()
	s.profiles.Purge()

	s.mu.Lock()
	s.authCtx = nil
	s.suppress = true
	onOut := s.onOut
	s.mu.Unlock()

	var err error
	if rec, ok := s.store.GetActive(ctx); ok {
		err = s.store.Remove(ctx, rec.Token)
	}

	s.mu.Lock()
	s.suppress = false
	s.mu.Unlock()

	if onOut != nil {
		onOut(ctx)
	}
	return err
}
