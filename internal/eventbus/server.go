package eventbus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/mtzanidakis/archon/internal/config"
)

// Bus is the embedded NATS server every archon process runs. It carries
// orchestration events for the web stream and the notifier, and the
// ctl.> request/reply surface used by archonctl.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Port() int {
	return b.cfg.Port
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
