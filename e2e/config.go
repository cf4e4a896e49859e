package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

// Config targets a running server seeded with cmd/seed.
type Config struct {
	ServerURL  string `envconfig:"E2E_SERVER_URL"`
	HealthAddr string `envconfig:"E2E_HEALTH_ADDR" default:"localhost:8081"`
	AliceToken string `envconfig:"E2E_ALICE_TOKEN"`
	BobToken   string `envconfig:"E2E_BOB_TOKEN"`
	// Directory id of the identity behind E2E_BOB_TOKEN
	BobDirectoryID string `envconfig:"E2E_BOB_DIRECTORY_ID"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
