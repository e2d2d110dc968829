package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
)

// DefaultStreamName is the stream created by the embedded server when
// ServerOpts.Streams is empty
const DefaultStreamName = "OBSERVER_REPORTS"

// Server is an embedded JetStream server for local runs and tests
type Server interface {
	services.Service

	// URL returns the server connect URL(s)
	URL() []string
}

var _ Server = (*serverImpl)(nil)

type serverImpl struct {
	services.Service

	lggr logger.Logger
	opts ServerOpts
	srv  *natssrv.Server
	urls []string
}

type StreamOpts struct {
	Name     string
	Subjects []string
	// DuplicateWindow is the Nats-Msg-Id dedup window, 0 for the server default
	DuplicateWindow time.Duration
}

type ServerOpts struct {
	Logger logger.Logger

	// Where the server should listen, e.g. "127.0.0.1"
	Host string
	// Port to listen on; natssrv.RANDOM_PORT (-1) picks a free one
	Port int
	// StoreDir holds JetStream data
	StoreDir string
	// Streams to create once the server is ready. Defaults to one stream
	// capturing DefaultSubjectPrefix.>
	Streams []StreamOpts
}

func NewServer(opts ServerOpts) (Server, error) {
	if err := verifyServerOpts(opts); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if len(opts.Streams) == 0 {
		opts.Streams = []StreamOpts{{Name: DefaultStreamName, Subjects: []string{DefaultSubjectPrefix + ".>"}}}
	}

	s := &serverImpl{
		lggr: logger.Named(opts.Logger, "NATSServer"),
		opts: opts,
	}

	s.Service, _ = services.Config{
		Name:  "NATSServer",
		Start: s.start,
		Close: s.close,
	}.NewServiceEngine(opts.Logger)

	return s, nil
}

func verifyServerOpts(opts ServerOpts) error {
	if opts.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}
	if opts.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if opts.Port < natssrv.RANDOM_PORT || opts.Port == 0 {
		return fmt.Errorf("port must be > 0 or %d for a random port", natssrv.RANDOM_PORT)
	}
	if opts.StoreDir == "" {
		return fmt.Errorf("store dir must not be empty")
	}
	for _, st := range opts.Streams {
		if st.Name == "" || len(st.Subjects) == 0 {
			return fmt.Errorf("stream %q needs a name and at least one subject", st.Name)
		}
	}
	return nil
}

func (s *serverImpl) start(ctx context.Context) error {
	ns, err := natssrv.NewServer(&natssrv.Options{
		Host:       s.opts.Host,
		Port:       s.opts.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   s.opts.StoreDir,
		MaxPayload: 8 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	// Start does not block
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	s.srv = ns
	s.urls = []string{ns.ClientURL()}

	if err := s.addStreams(); err != nil {
		ns.Shutdown()
		return err
	}

	s.lggr.Infow("NATS server is running", "url", ns.ClientURL(), "storeDir", s.opts.StoreDir)
	return nil
}

func (s *serverImpl) addStreams() error {
	nc, err := nats.Connect(s.srv.ClientURL())
	if err != nil {
		return fmt.Errorf("failed to connect to embedded NATS server: %w", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	for _, st := range s.opts.Streams {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:       st.Name,
			Subjects:   st.Subjects,
			Duplicates: st.DuplicateWindow,
		}); err != nil {
			return fmt.Errorf("failed to add stream %s: %w", st.Name, err)
		}
	}
	return nil
}

func (s *serverImpl) close() error {
	if s.srv == nil {
		return nil
	}
	s.lggr.Infow("Shutting down NATS server", "url", s.srv.ClientURL())
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
	return nil
}

func (s *serverImpl) Healthy() error {
	if s.srv == nil {
		return fmt.Errorf("NATS server is nil")
	}
	return nil
}

func (s *serverImpl) Ready() error {
	if s.srv == nil {
		return fmt.Errorf("NATS server is nil")
	}
	if !s.srv.ReadyForConnections(0) {
		return fmt.Errorf("NATS server is not ready for connections")
	}
	return nil
}

func (s *serverImpl) HealthReport() map[string]error {
	return map[string]error{s.Name(): s.Healthy()}
}

func (s *serverImpl) Name() string {
	if s.lggr == nil {
		return "NATSServer"
	}
	return s.lggr.Name()
}

func (s *serverImpl) URL() []string {
	return s.urls
}
