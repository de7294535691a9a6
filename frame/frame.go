// Package frame owns the widget's two execution contexts (authentication
// and forum) and their launch parameters: URL construction, sandbox and
// permission policy, the per-instantiation widget id, and the "currently
// active context" the router relays host-initiated actions to.
package frame

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// Kind identifies which surface a context hosts.
type Kind string

const (
	KindAuth  Kind = "auth"
	KindForum Kind = "forum"
)

// Context is an isolated execution surface communicating with the host
// only via structured messages. The in-process implementation delivers
// over the broadcast channel; a real embedded surface satisfies the same
// interface externally.
type Context interface {
	Kind() Kind
	LaunchURL() *url.URL

	// Send delivers a host-originated payload to the surface.
	Send(ctx context.Context, data []byte) error

	// Reload re-launches the surface from its current URL. Required after
	// a session switch: hot-swapping identity inside a live surface is
	// unsupported.
	Reload(ctx context.Context) error

	Close() error
}

// Container is the host slot contexts are mounted into.
type Container interface {
	Append(c Context)
	Clear()
	SetDimensions(width, height string)

	// CleanupPortals removes overlay elements rendered outside the normal
	// container tree (previews, menus) so resets do not leak them.
	CleanupPortals()
}

// MemoryContainer is the in-process Container used by the orchestrator
// default wiring and tests.
type MemoryContainer struct {
	mu             sync.Mutex
	children       []Context
	width, height  string
	portalCleanups int
}

func NewMemoryContainer() *MemoryContainer {
	return &MemoryContainer{}
}

func (c *MemoryContainer) Append(child Context) {
	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()
}

func (c *MemoryContainer) Clear() {
	c.mu.Lock()
	c.children = nil
	c.mu.Unlock()
}

func (c *MemoryContainer) SetDimensions(width, height string) {
	c.mu.Lock()
	c.width, c.height = width, height
	c.mu.Unlock()
}

func (c *MemoryContainer) CleanupPortals() {
	c.mu.Lock()
	c.portalCleanups++
	c.mu.Unlock()
}

// Children returns the mounted contexts, oldest first.
func (c *MemoryContainer) Children() []Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Context(nil), c.children...)
}

// Dimensions returns the applied width and height.
func (c *MemoryContainer) Dimensions() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// PortalCleanups returns how many times CleanupPortals ran.
func (c *MemoryContainer) PortalCleanups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.portalCleanups
}

var _ Container = (*MemoryContainer)(nil)

// SandboxPolicy is the restriction set applied to a context.
type SandboxPolicy struct {
	Scripts    bool
	SameOrigin bool
	Forms      bool
	Popups     bool
}

// DefaultSandbox restricts contexts to script/same-origin/forms/popups.
var DefaultSandbox = SandboxPolicy{Scripts: true, SameOrigin: true, Forms: true, Popups: true}

// Attribute renders the policy as a sandbox attribute value.
func (p SandboxPolicy) Attribute() string {
	var parts []string
	if p.Scripts {
		parts = append(parts, "allow-scripts")
	}
	if p.SameOrigin {
		parts = append(parts, "allow-same-origin")
	}
	if p.Forms {
		parts = append(parts, "allow-forms")
	}
	if p.Popups {
		parts = append(parts, "allow-popups")
	}
	return strings.Join(parts, " ")
}

// DefaultPermissions is the allow-list of powerful capabilities granted to
// contexts. The authentication surface may need wallet-extension, camera
// (QR scanning), or clipboard access.
var DefaultPermissions = []string{
	"clipboard-write",
	"clipboard-read",
	"fullscreen",
	"camera",
	"microphone",
	"geolocation",
	"payment",
	"autoplay",
	"web-share",
	"accelerometer",
	"gyroscope",
}

// PermissionsAttribute renders a permission allow-list as an allow
// attribute value.
func PermissionsAttribute(perms []string) string {
	return strings.Join(perms, "; ")
}
