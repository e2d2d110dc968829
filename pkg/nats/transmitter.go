package nats

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nats-io/nats.go"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/ar-io/observer/observer"
)

const HeaderContentEncoding = "Content-Encoding"

// Transmitter publishes reports to JetStream
type Transmitter interface {
	services.Service
	observer.Transmitter
	Subject() string
}

var _ Transmitter = (*transmitter)(nil)

type transmitter struct {
	services.Service

	lggr           logger.Logger
	subject        string
	publishTimeout time.Duration
	compressor     *Compressor
	client         Client

	hashPool sync.Pool
}

func NewTransmitter(opts TransmitterOpts) (Transmitter, error) {
	if err := opts.verifyConfig(); err != nil {
		return nil, err
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	t := &transmitter{
		lggr:           logger.Named(opts.Logger, "NATSTransmitter"),
		subject:        prefix + "." + opts.ObserverAddress,
		publishTimeout: opts.PublishTimeout,
	}
	if t.publishTimeout == 0 {
		t.publishTimeout = DefaultPublishTimeout
	}
	if opts.Compress {
		t.compressor = NewCompressor(t.lggr)
	}

	t.hashPool.New = func() interface{} {
		return xxhash.New()
	}

	client, err := NewClient(ClientOpts{
		Logger:     opts.Logger,
		Name:       "observer-" + opts.ObserverAddress,
		ServerURLs: opts.ServerURLs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}
	t.client = client

	svc, _ := services.Config{
		Name:  "NATSTransmitter",
		Start: func(ctx context.Context) error { return nil },
		Close: func() error { return nil },
		NewSubServices: func(lggr logger.Logger) []services.Service {
			return []services.Service{client}
		},
	}.NewServiceEngine(opts.Logger)
	t.Service = svc

	return t, nil
}

func (t *transmitter) Subject() string {
	return t.subject
}

// dedupKey is derived from the uncompressed payload so that the key does not
// depend on the compression setting
func (t *transmitter) dedupKey(payload []byte) string {
	h := t.hashPool.Get().(*xxhash.Digest)
	defer t.hashPool.Put(h)
	h.Reset()
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (t *transmitter) Transmit(ctx context.Context, r observer.Report) error {
	if err := t.Healthy(); err != nil {
		return fmt.Errorf("transmitter is not started: %w", err)
	}
	payload, err := observer.EncodeReport(r)
	if err != nil {
		return err
	}
	dedupKey := t.dedupKey(payload)

	msg := nats.NewMsg(t.subject)
	msg.Data = payload
	if t.compressor != nil {
		msg.Data = t.compressor.Compress(payload)
		msg.Header.Set(HeaderContentEncoding, ContentEncodingZstd)
	}

	if err := t.client.Publish(ctx, msg, dedupKey, t.publishTimeout); err != nil {
		t.lggr.Errorw("Failed to transmit report",
			"err", err,
			"runID", r.RunID,
			"epochHeight", r.EpochHeight,
			"subject", t.subject,
		)
		return err
	}

	t.lggr.Debugw("Successfully transmitted report",
		"runID", r.RunID,
		"epochHeight", r.EpochHeight,
		"subject", t.subject,
		"size", len(msg.Data),
	)
	return nil
}

func (t *transmitter) Ready() error {
	return t.Healthy()
}

func (t *transmitter) HealthReport() map[string]error {
	report := map[string]error{t.Name(): t.Healthy()}
	services.CopyHealth(report, t.client.HealthReport())
	return report
}

func (t *transmitter) Name() string {
	return t.lggr.Name()
}

// DecodeMsg reverses Transmit for consumers of the report stream
func DecodeMsg(msg *nats.Msg) (observer.Report, error) {
	data := msg.Data
	switch enc := msg.Header.Get(HeaderContentEncoding); enc {
	case "":
	case ContentEncodingZstd:
		var err error
		data, err = payloadDecoder.Decompress(data)
		if err != nil {
			return observer.Report{}, fmt.Errorf("failed to decompress report: %w", err)
		}
	default:
		return observer.Report{}, fmt.Errorf("unsupported content encoding %q", enc)
	}
	return observer.DecodeReport(data)
}

var payloadDecoder = NewCompressor(logger.Nop())
