package e2e

import (
	"campus-chat/client"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type BaseSuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration and skips the suite when no
// server is targeted.
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.ServerURL == "" {
		s.T().Skip("E2E_SERVER_URL is not set")
	}
}

func (s *BaseSuite) header(t *testing.T, name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	t.Log(header)
}

// Dial opens a WebSocket transport authenticated with token. The transport
// is closed when t ends.
func (s *BaseSuite) Dial(t *testing.T, name, token string) *client.WsTransport {
	s.header(t, name)
	transport, err := client.DialWs(logs.GetLoggerFromLevel(slog.LevelDebug), s.Config.ServerURL, token)
	s.Require().NoError(err, "Failed to connect to "+s.Config.ServerURL)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

// WithHealth provides a health client within a contextual test step.
func (s *BaseSuite) WithHealth(name string, fn func(ctx context.Context, client healthpb.HealthClient)) {
	s.header(s.T(), name)
	conn, err := grpc.NewClient(s.Config.HealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	s.Require().NoError(err, "Failed to connect to gRPC server at "+s.Config.HealthAddr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fn(ctx, healthpb.NewHealthClient(conn))
}
