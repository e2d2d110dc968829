package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

const (
	DefaultSubjectPrefix  = "observer.reports"
	DefaultPublishTimeout = 5 * time.Second
)

type ClientOpts struct {
	Logger     logger.Logger
	Name       string
	ServerURLs []string
}

// verifyConfig validates all required fields are properly set
func (c *ClientOpts) verifyConfig() error {
	var errs []error

	if c.Logger == nil {
		errs = append(errs, fmt.Errorf("logger is required for NATS client"))
	}
	if len(c.ServerURLs) == 0 {
		errs = append(errs, fmt.Errorf("at least one server URL is required for NATS client"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid NATS client configuration: %v", errs)
	}

	return nil
}

type TransmitterOpts struct {
	Logger          logger.Logger
	ServerURLs      []string
	ObserverAddress string
	// SubjectPrefix defaults to DefaultSubjectPrefix; reports are published
	// to <prefix>.<observer address>
	SubjectPrefix string
	// Compress enables zstd compression of the report payload
	Compress bool
	// PublishTimeout bounds the wait for the JetStream ack
	PublishTimeout time.Duration
}

func (t *TransmitterOpts) verifyConfig() error {
	var errs []error

	if t.Logger == nil {
		errs = append(errs, fmt.Errorf("logger is required for NATS transmitter"))
	}
	if len(t.ServerURLs) == 0 {
		errs = append(errs, fmt.Errorf("at least one server URL is required for NATS transmitter"))
	}
	if t.ObserverAddress == "" {
		errs = append(errs, fmt.Errorf("observer address is required for NATS transmitter"))
	} else if strings.ContainsAny(t.ObserverAddress, ".*> \t") {
		errs = append(errs, fmt.Errorf("observer address %q is not a valid subject token", t.ObserverAddress))
	}
	if t.PublishTimeout < 0 {
		errs = append(errs, fmt.Errorf("publish timeout must be >= 0"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid NATS transmitter configuration: %v", errs)
	}

	return nil
}
