package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Env resolves dotted keys against environment variables:
// "broker.kafka.group_id" is looked up as BROKER_KAFKA_GROUP_ID.
type Env struct{}

// NewEnv creates an environment-backed Provider. A .env file in the working
// directory is loaded first when present, matching how the deployment images
// ship their settings.
func NewEnv(log *zap.SugaredLogger) Env {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("failed to load .env file", "error", err)
		}
	}
	return Env{}
}

func (Env) Get(key string) (string, bool) {
	return os.LookupEnv(EnvName(key))
}

// EnvName maps a dotted key to its environment variable name.
func EnvName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}
