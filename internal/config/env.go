package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	apiURLVar          = "TMI_API_URL"
	callbackURLVar     = "TMI_CALLBACK_URL"
	defaultProviderVar = "TMI_DEFAULT_PROVIDER"
	homePathVar        = "TMI_HOME_PATH"
	landingPathVar     = "TMI_LANDING_PATH"
	warningLeadVar     = "TMI_SESSION_WARNING_LEAD"
	proactiveLeadVar   = "TMI_SESSION_PROACTIVE_LEAD"
	heartbeatVar       = "TMI_SESSION_HEARTBEAT_INTERVAL"
)

// FromEnv builds a Config from the environment, loading a .env file first if
// one is present.
func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Default()
	cfg.APIBaseURL = GetEnv(apiURLVar, "http://localhost:8080")
	cfg.CallbackURL = GetEnv(callbackURLVar, "http://localhost:4200/oauth-callback")
	cfg.DefaultProvider = GetEnv(defaultProviderVar, "")
	cfg.HomePath = GetEnv(homePathVar, cfg.HomePath)
	cfg.DefaultLandingPath = GetEnv(landingPathVar, cfg.DefaultLandingPath)
	cfg.Session.WarningLead = getDuration(warningLeadVar, cfg.Session.WarningLead)
	cfg.Session.ProactiveRefreshLead = getDuration(proactiveLeadVar, cfg.Session.ProactiveRefreshLead)
	cfg.Session.HeartbeatInterval = getDuration(heartbeatVar, cfg.Session.HeartbeatInterval)
	return cfg
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
