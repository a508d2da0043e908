package session

import (
	"os"

	"github.com/pigeonai/pigeon/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the environment variable consulted after the flag.
const EnvSession = "PIGEON_SESSION"

// Resolve picks the session name: the --session flag, then $PIGEON_SESSION,
// then default_session from the global config, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v := os.Getenv(EnvSession); v != "" {
		return v
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
