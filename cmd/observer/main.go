package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/ar-io/observer/arweave"
	"github.com/ar-io/observer/config"
	"github.com/ar-io/observer/entropy"
	"github.com/ar-io/observer/gateway"
	"github.com/ar-io/observer/names"
	"github.com/ar-io/observer/observer"
	"github.com/ar-io/observer/pkg/nats"
	"github.com/ar-io/observer/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	configPath           string
	arnsNames            string
	referenceGateway     string
	observedGatewayHosts string
	once                 bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("observer", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&f.arnsNames, "arns-names", "", "Comma separated list of ArNS names")
	fs.StringVar(&f.referenceGateway, "reference-gateway", "", "Reference gateway host")
	fs.StringVar(&f.observedGatewayHosts, "observed-gateway-hosts", "", "Comma separated list of gateway hosts to observe")
	fs.BoolVar(&f.once, "once", false, "Generate a single report, print it and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

// loadConfig applies flags over the file and environment
func loadConfig(f flags, getenv func(string) string) (config.Config, error) {
	cfg, err := config.Load(f.configPath, getenv)
	if err != nil {
		return cfg, err
	}
	if f.arnsNames != "" {
		cfg.ArNSNames = config.SplitList(f.arnsNames)
	}
	if f.referenceGateway != "" {
		cfg.ReferenceGatewayHost = f.referenceGateway
	}
	if f.observedGatewayHosts != "" {
		cfg.ObservedGatewayHosts = config.SplitList(f.observedGatewayHosts)
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	lvl, err := cfg.ZapLevel()
	if err != nil {
		return nil, err
	}
	return logger.NewWith(func(zc *zap.Config) {
		zc.Level = zap.NewAtomicLevelAt(lvl)
		// stdout carries reports
		zc.OutputPaths = []string{"stderr"}
	})
}

func run(ctx context.Context, args []string, stdout io.Writer, getenv func(string) string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f, getenv)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	lggr, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = lggr.Sync() }()

	a, err := newApp(cfg, lggr)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lggr.Errorw("Metrics server failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer srv.Close()
	}

	transmitters := []observer.Transmitter{observer.NewWriterTransmitter(stdout)}
	var svcs []services.Service
	defer func() {
		for i := len(svcs) - 1; i >= 0; i-- {
			if err := svcs[i].Close(); err != nil {
				lggr.Errorw("Failed to close service", "service", svcs[i].Name(), "err", err)
			}
		}
	}()
	start := func(s services.Service) error {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", s.Name(), err)
		}
		svcs = append(svcs, s)
		return nil
	}

	if cfg.NATS.Enabled() {
		urls := cfg.NATS.URLs
		if cfg.NATS.Embedded {
			srv, err := nats.NewServer(nats.ServerOpts{
				Logger:   lggr,
				Host:     "127.0.0.1",
				Port:     cfg.NATS.Port,
				StoreDir: cfg.NATS.StoreDir,
				Streams:  []nats.StreamOpts{{Name: nats.DefaultStreamName, Subjects: []string{cfg.NATS.SubjectPrefix + ".>"}}},
			})
			if err != nil {
				return err
			}
			if err := start(srv); err != nil {
				return err
			}
			urls = append(urls, srv.URL()...)
		}
		t, err := nats.NewTransmitter(nats.TransmitterOpts{
			Logger:          lggr,
			ServerURLs:      urls,
			ObserverAddress: cfg.ObserverAddress,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			Compress:        cfg.NATS.Compress,
			PublishTimeout:  cfg.NATS.PublishTimeout,
		})
		if err != nil {
			return err
		}
		if err := start(t); err != nil {
			return err
		}
		transmitters = append(transmitters, t)
	}

	if f.once {
		report, err := a.observer.GenerateReport(ctx)
		if err != nil {
			return err
		}
		var errs []error
		for _, t := range transmitters {
			errs = append(errs, t.Transmit(ctx, report))
		}
		return errors.Join(errs...)
	}

	svc, err := observer.NewService(observer.ServiceOpts{
		Logger:            lggr,
		Generator:         a.observer,
		EpochHeightSource: a.epochs,
		Transmitters:      transmitters,
		Interval:          cfg.Report.Interval,
	})
	if err != nil {
		return err
	}
	if err := start(svc); err != nil {
		return err
	}
	lggr.Infow("Observer running", "observerAddress", cfg.ObserverAddress, "referenceGateway", cfg.ReferenceGatewayHost, "observedGateways", len(cfg.ObservedGatewayHosts))
	<-ctx.Done()
	return nil
}

type app struct {
	epochs   *protocol.EpochHeightSource
	observer *observer.Observer
}

// newApp wires prescribed names from chain entropy only, and chosen names
// from chain entropy mixed with a locally cached random value.
func newApp(cfg config.Config, lggr logger.Logger) (*app, error) {
	chain, err := arweave.NewClient(arweave.ClientOpts{
		Logger:         lggr,
		BaseURL:        cfg.Arweave.URL,
		MaxAttempts:    cfg.Arweave.MaxAttempts,
		RequestTimeout: cfg.Arweave.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	epochs, err := protocol.NewEpochHeightSource(protocol.EpochHeightSourceOpts{
		HeightSource: chain,
		EpochLength:  cfg.Epoch.Length,
		MaxAge:       cfg.Epoch.MaxAge,
	})
	if err != nil {
		return nil, err
	}

	chainEntropy := entropy.NewChainSource(chain)
	cachedRandom, err := entropy.NewCachedSource(entropy.CachedSourceOpts{
		Logger: lggr,
		Source: entropy.RandomSource{},
		Store:  entropy.NewFileStore(cfg.Entropy.CachePath),
	})
	if err != nil {
		return nil, err
	}
	composite, err := entropy.NewCompositeSource(lggr, cachedRandom, chainEntropy)
	if err != nil {
		return nil, err
	}

	list := names.NewStaticList(cfg.ArNSNames)
	prescribed, err := names.NewRandomSource(names.RandomSourceOpts{List: list, Entropy: chainEntropy, Count: cfg.Names.PrescribedCount})
	if err != nil {
		return nil, fmt.Errorf("prescribed names: %w", err)
	}
	chosen, err := names.NewRandomSource(names.RandomSourceOpts{List: list, Entropy: composite, Count: cfg.Names.ChosenCount})
	if err != nil {
		return nil, fmt.Errorf("chosen names: %w", err)
	}

	fetcher, err := gateway.NewHTTPFetcher(gateway.HTTPFetcherOpts{
		Logger:         lggr,
		Scheme:         cfg.Gateway.Scheme,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		MaxBodyBytes:   cfg.Gateway.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}

	var rule observer.Rule
	if cfg.Report.Rule != "" {
		if rule, err = observer.NewExprRule(cfg.Report.Rule); err != nil {
			return nil, err
		}
	}

	o, err := observer.New(observer.Opts{
		Logger:                lggr,
		ObserverAddress:       cfg.ObserverAddress,
		ReferenceGatewayHost:  cfg.ReferenceGatewayHost,
		ObservedGatewayHosts:  cfg.ObservedGatewayHosts,
		EpochHeightSource:     epochs,
		PrescribedNamesSource: prescribed,
		ChosenNamesSource:     chosen,
		Fetcher:               fetcher,
		Rule:                  rule,
		Concurrency:           cfg.Gateway.Concurrency,
		ReportTimeout:         cfg.Report.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &app{epochs: epochs, observer: o}, nil
}
