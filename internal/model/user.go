package model

import (
	"slices"
	"time"
)

// User is an account that can log in and chat.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	PassHash  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// SettingsExternalProviders is the settings domain holding a user's
// third-party credentials. Its values form the secret overlay applied while
// that user's pipelines are built.
const SettingsExternalProviders = "external-providers"

// ExternalProviderEnvVars lists the keys accepted in the external-providers
// settings domain.
var ExternalProviderEnvVars = []string{
	"AI21_API_KEY",
	"ALEPH_ALPHA_API_KEY",
	"ANYSCALE_SERVICE_URL",
	"ANYSCALE_SERVICE_ROUTE",
	"ANYSCALE_SERVICE_TOKEN",
	"COHERE_API_KEY",
	"DEEPINFRA_API_TOKEN",
	"GOOGLE_API_KEY",
	"HUGGINGFACE_API_KEY",
	"HUGGINGFACEHUB_API_TOKEN",
	"OPENAI_API_BASE",
	"OPENAI_API_KEY",
	"REPLICATE_API_TOKEN",
	"TEXT_GENERATION_INFERENCE_TOKEN",
}

// IsExternalProviderEnvVar reports whether name may be stored as an external
// provider setting.
func IsExternalProviderEnvVar(name string) bool {
	return slices.Contains(ExternalProviderEnvVars, name)
}
