package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
)

const DefaultInterval = time.Minute

// ReportGenerator is satisfied by *Observer
type ReportGenerator interface {
	GenerateReport(ctx context.Context) (Report, error)
}

type ServiceOpts struct {
	Logger            logger.Logger
	Generator         ReportGenerator
	EpochHeightSource EpochHeightSource
	Transmitters      []Transmitter
	// Interval between epoch checks, defaults to DefaultInterval
	Interval time.Duration
}

func (o *ServiceOpts) verifyConfig() error {
	var errs []error
	if o.Logger == nil {
		errs = append(errs, fmt.Errorf("logger is required"))
	}
	if o.Generator == nil {
		errs = append(errs, fmt.Errorf("report generator is required"))
	}
	if o.EpochHeightSource == nil {
		errs = append(errs, fmt.Errorf("epoch height source is required"))
	}
	if len(o.Transmitters) == 0 {
		errs = append(errs, fmt.Errorf("at least one transmitter is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid observer service configuration: %v", errs)
	}
	return nil
}

// Service generates one report per epoch and hands it to every transmitter
type Service struct {
	services.Service
	eng  *services.Engine
	lggr logger.Logger

	generator    ReportGenerator
	epochs       EpochHeightSource
	transmitters []Transmitter
	interval     time.Duration

	mu        sync.Mutex
	lastEpoch uint64
	reported  bool
}

func NewService(opts ServiceOpts) (*Service, error) {
	if err := opts.verifyConfig(); err != nil {
		return nil, err
	}
	s := &Service{
		lggr:         logger.Named(opts.Logger, "ObserverService"),
		generator:    opts.Generator,
		epochs:       opts.EpochHeightSource,
		transmitters: opts.Transmitters,
		interval:     opts.Interval,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	s.Service, s.eng = services.Config{
		Name:  "ObserverService",
		Start: s.start,
		Close: func() error { return nil },
	}.NewServiceEngine(opts.Logger)
	return s, nil
}

func (s *Service) start(context.Context) error {
	s.eng.Go(s.run)
	return nil
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LastReportedEpoch returns the epoch height of the last generated report
func (s *Service) LastReportedEpoch() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEpoch, s.reported
}

func (s *Service) tick(ctx context.Context) {
	epochHeight, err := s.epochs.CurrentEpochHeight(ctx)
	if err != nil {
		s.lggr.Warnw("Failed to read epoch height", "err", err)
		return
	}
	if last, ok := s.LastReportedEpoch(); ok && epochHeight <= last {
		return
	}

	report, err := s.generator.GenerateReport(ctx)
	if err != nil {
		s.lggr.Errorw("Failed to generate report", "epochHeight", epochHeight, "err", err)
		return
	}
	s.mu.Lock()
	s.lastEpoch, s.reported = report.EpochHeight, true
	s.mu.Unlock()

	for _, t := range s.transmitters {
		if err := t.Transmit(ctx, report); err != nil {
			s.lggr.Errorw("Failed to transmit report", "runID", report.RunID, "epochHeight", report.EpochHeight, "err", err)
		}
	}
	s.lggr.Debugw("Report transmitted", "runID", report.RunID, "epochHeight", report.EpochHeight, "transmitters", len(s.transmitters))
}
