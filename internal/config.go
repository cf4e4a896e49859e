package internal

import (
	"fmt"
	"time"
)

// Config is read from the environment with go-env.
type Config struct {
	LogLevel             string        `env:"LOG_LEVEL,required=true"`
	BadgerFilepath       string        `env:"BADGER_FILEPATH,required=true"`
	Host                 string        `env:"HOST,default=localhost"`
	Port                 int           `env:"PORT,default=8080"`
	HealthPort           int           `env:"HEALTH_PORT,default=8081"`
	DebugPort            *int          `env:"DEBUG_PORT"`
	BufferSize           int           `env:"BUFFER_SIZE,default=1024"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64"`
	LimitMessages        *int          `env:"LIMIT_MESSAGES"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=2s"`
	PublishTimeout       time.Duration `env:"PUBLISH_TIMEOUT,default=1s"`
	MetricInterval       time.Duration `env:"METRIC_INTERVAL,default=10s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s"`
	AttachmentsDir       string        `env:"ATTACHMENTS_DIR,required=true"`
	AttachmentsBaseURL   string        `env:"ATTACHMENTS_BASE_URL,default=/attachments/"`
	MaxAttachmentBytes   int           `env:"MAX_ATTACHMENT_BYTES,default=5242880"`
	AuthSecret           string        `env:"AUTH_SECRET,required=true"`
	AuthIssuer           string        `env:"AUTH_ISSUER,default=campus-chat"`
	AuthTokenDuration    time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
}

// Validate checks the values go-env cannot.
func (c Config) Validate() error {
	switch {
	case c.BufferSize <= 0:
		return fmt.Errorf("BUFFER_SIZE must be positive, got %d", c.BufferSize)
	case c.ConnectionBufferSize <= 0:
		return fmt.Errorf("CONNECTION_BUFFER_SIZE must be positive, got %d", c.ConnectionBufferSize)
	case c.LimitMessages != nil && *c.LimitMessages <= 0:
		return fmt.Errorf("LIMIT_MESSAGES must be positive, got %d", *c.LimitMessages)
	case c.Port == c.HealthPort:
		return fmt.Errorf("HEALTH_PORT must differ from PORT (%d)", c.Port)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) HealthAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HealthPort)
}
