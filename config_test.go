package authflow

import (
	"testing"

	"github.com/giantswarm/authflow/provider/mock"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "missing provider",
			config:  Config{},
			wantErr: true,
		},
		{
			name: "provider only",
			config: Config{
				Provider: mock.NewMockProvider(),
			},
			wantErr: false,
		},
		{
			name: "encryption key wrong length",
			config: Config{
				Provider: mock.NewMockProvider(),
				Security: SecurityConfig{EncryptionKey: []byte("short")},
			},
			wantErr: true,
		},
		{
			name: "encryption key 32 bytes",
			config: Config{
				Provider: mock.NewMockProvider(),
				Security: SecurityConfig{EncryptionKey: make([]byte, 32)},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{Provider: mock.NewMockProvider()}
	cfg.applyDefaults()

	if cfg.ContextID == "" {
		t.Error("ContextID not defaulted")
	}
	if cfg.AppRootURL != "/" {
		t.Errorf("AppRootURL = %q, want /", cfg.AppRootURL)
	}
	if cfg.LoginURL != "/login" {
		t.Errorf("LoginURL = %q, want /login", cfg.LoginURL)
	}
	if len(cfg.TrustedOrigins) == 0 {
		t.Error("TrustedOrigins not defaulted")
	}
	if cfg.Sessions == nil || cfg.Durable == nil {
		t.Error("stores not defaulted")
	}
	if cfg.Bus == nil {
		t.Error("bus not defaulted")
	}
	if cfg.Registry == nil {
		t.Error("registry not defaulted")
	}
	if cfg.Logger == nil {
		t.Error("logger not defaulted")
	}
}

func TestConfigTrustedOriginsDefaultToOrigin(t *testing.T) {
	cfg := Config{
		Provider: mock.NewMockProvider(),
		Origin:   "https://app.example.com",
	}
	cfg.applyDefaults()

	if len(cfg.TrustedOrigins) != 1 || cfg.TrustedOrigins[0] != "https://app.example.com" {
		t.Errorf("TrustedOrigins = %v, want [https://app.example.com]", cfg.TrustedOrigins)
	}
}
