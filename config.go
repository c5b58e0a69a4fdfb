package authflow

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/authflow/bridge"
	"github.com/giantswarm/authflow/instrumentation"
	"github.com/giantswarm/authflow/provider"
	"github.com/giantswarm/authflow/security"
	"github.com/giantswarm/authflow/storage"
	"github.com/giantswarm/authflow/storage/memory"
)

// Config holds the orchestrator configuration for one runtime context
type Config struct {
	// ContextID identifies this runtime context across the bus and the
	// durable store. Default: a random UUID.
	ContextID string

	// Provider performs the OAuth protocol against the identity provider
	// (required).
	Provider provider.Provider

	// AppRootURL is where successful logins and already-authenticated
	// callbacks land. Default: "/".
	AppRootURL string

	// LoginURL is the manual login page, the target of error-page
	// auto-redirects. Default: "/login".
	LoginURL string

	// Origin is this context's origin for direct cross-context messages.
	Origin string

	// TrustedOrigins are the targets tried in order when delivering a
	// direct message, most specific first. Default: Origin only.
	TrustedOrigins []string

	// Sessions is this context's private store. Default: in-memory.
	Sessions storage.SessionStore

	// Durable is shared across contexts and holds the token record.
	// Default: in-memory (single-process only).
	Durable storage.DurableStore

	// Bus carries broadcast messages and logout events between contexts.
	// Default: in-process memory bus.
	Bus bridge.Bus

	// Registry resolves direct message targets. Contexts that should reach
	// each other directly must share one. Default: a private registry.
	Registry *bridge.Registry

	// AckTimeout bounds the child context's wait for a result
	// acknowledgement. Default: bridge.DefaultAckTimeout.
	AckTimeout time.Duration

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation provides metrics and tracing. Default: no-op providers.
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at
	// rest. Nil disables encryption. Generate with security.GenerateKey or
	// derive one with security.DeriveKey.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs flow events, token operations, and loop detections (sensitive
	// data hashed).
	EnableAuditLogging bool
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Provider == nil {
		return errors.New("authflow: provider is required")
	}
	if len(c.Security.EncryptionKey) > 0 && len(c.Security.EncryptionKey) != 32 {
		return errors.New("authflow: encryption key must be 32 bytes")
	}
	return nil
}

// applyDefaults fills the optional fields.
func (c *Config) applyDefaults() {
	if c.ContextID == "" {
		c.ContextID = uuid.NewString()
	}
	if c.AppRootURL == "" {
		c.AppRootURL = "/"
	}
	if c.LoginURL == "" {
		c.LoginURL = "/login"
	}
	if len(c.TrustedOrigins) == 0 {
		if c.Origin != "" {
			c.TrustedOrigins = []string{c.Origin}
		} else {
			c.TrustedOrigins = []string{bridge.OriginWildcard}
		}
	}
	if c.Sessions == nil {
		c.Sessions = memory.New()
	}
	if c.Durable == nil {
		c.Durable = memory.New()
	}
	if c.Bus == nil {
		c.Bus = bridge.NewMemoryBus()
	}
	if c.Registry == nil {
		c.Registry = bridge.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// newEncryptor builds the at-rest encryptor from the configured key, or nil
// when encryption is disabled.
func (c *Config) newEncryptor() (*security.Encryptor, error) {
	if len(c.Security.EncryptionKey) == 0 {
		return nil, nil
	}
	return security.NewEncryptor(c.Security.EncryptionKey)
}
