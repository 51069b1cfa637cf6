package config

import (
	"fmt"

	autherrors "github.com/presenton/auth-service/internal/errors"
)

type Config interface {
	EnvConfig
	EIAMConfig
	SecurityConfig
	CorsConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	EIAM
	Security
	Cors
}

func New() Config {
	return mainConfig{}
}

// Validate fails fast on configuration that would silently degrade the auth
// layer into an insecure mode. Called once at startup; any error is fatal.
func Validate(c Config) error {
	if len(c.GetSessionSecret()) < 32 {
		return autherrors.ErrSessionSecretTooShort
	}
	if !c.IsEIAMEnabled() {
		return nil
	}
	if c.GetClientID() == "" {
		return fmt.Errorf("[config.Validate] EIAM enabled: %w", autherrors.ErrMissingClientID)
	}
	if c.GetClientSecret() == "" {
		return fmt.Errorf("[config.Validate] EIAM enabled: %w", autherrors.ErrMissingClientSecret)
	}
	if c.GetTenantID() == "" {
		return fmt.Errorf("[config.Validate] EIAM enabled: %w", autherrors.ErrMissingTenantID)
	}
	if c.GetRedirectURI() == "" {
		return fmt.Errorf("[config.Validate] EIAM enabled: %w", autherrors.ErrMissingRedirectURI)
	}
	return nil
}
