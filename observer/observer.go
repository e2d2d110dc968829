package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/ar-io/observer/gateway"
	"github.com/ar-io/observer/names"
)

const (
	DefaultConcurrency   = 16
	DefaultReportTimeout = 5 * time.Minute
)

var promReportCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "observer",
	Subsystem: "report",
	Name:      "generated_count",
	Help:      "Number of report generations by outcome",
},
	[]string{"outcome"},
)

// EpochHeightSource is satisfied by *protocol.EpochHeightSource
type EpochHeightSource interface {
	CurrentEpochHeight(ctx context.Context) (uint64, error)
}

type Opts struct {
	Logger               logger.Logger
	ObserverAddress      string
	ReferenceGatewayHost string
	ObservedGatewayHosts []string
	EpochHeightSource    EpochHeightSource
	// PrescribedNamesSource must only depend on chain data so that every
	// observer derives the same names for an epoch.
	PrescribedNamesSource names.Source
	// ChosenNamesSource should mix in observer-local entropy
	ChosenNamesSource names.Source
	Fetcher           gateway.Fetcher
	// Rule defaults to DefaultRule
	Rule Rule
	// Concurrency bounds the number of in-flight Fetch calls across every
	// report of this Observer
	Concurrency int
	// ReportTimeout bounds the fetch phases. Fetches still running when it
	// expires are recorded as timeouts and a partial report is returned.
	ReportTimeout time.Duration
	// OnStateChange, if set, is called on every state transition
	OnStateChange func(State)
	// Now is used in tests
	Now func() time.Time
}

func (o *Opts) verifyConfig() error {
	var errs []error
	if o.Logger == nil {
		errs = append(errs, fmt.Errorf("logger is required"))
	}
	if o.ObserverAddress == "" {
		errs = append(errs, fmt.Errorf("observer address is required"))
	}
	if o.ReferenceGatewayHost == "" {
		errs = append(errs, fmt.Errorf("reference gateway host is required"))
	}
	if o.EpochHeightSource == nil {
		errs = append(errs, fmt.Errorf("epoch height source is required"))
	}
	if o.PrescribedNamesSource == nil {
		errs = append(errs, fmt.Errorf("prescribed names source is required"))
	}
	if o.ChosenNamesSource == nil {
		errs = append(errs, fmt.Errorf("chosen names source is required"))
	}
	if o.Fetcher == nil {
		errs = append(errs, fmt.Errorf("fetcher is required"))
	}
	if o.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 0, got %d", o.Concurrency))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid observer configuration: %v", errs)
	}
	return nil
}

// Observer audits a set of gateways against a reference gateway
type Observer struct {
	lggr            logger.Logger
	observerAddress string
	referenceHost   string
	observedHosts   []string
	epochs          EpochHeightSource
	prescribed      names.Source
	chosen          names.Source
	fetcher         gateway.Fetcher
	rule            Rule
	concurrency     int
	inflight        chan struct{}
	reportTimeout   time.Duration
	onStateChange   func(State)
	now             func() time.Time
}

func New(opts Opts) (*Observer, error) {
	if err := opts.verifyConfig(); err != nil {
		return nil, err
	}
	o := &Observer{
		lggr:            logger.Named(opts.Logger, "Observer"),
		observerAddress: opts.ObserverAddress,
		referenceHost:   opts.ReferenceGatewayHost,
		observedHosts:   observedHosts(opts.ReferenceGatewayHost, opts.ObservedGatewayHosts),
		epochs:          opts.EpochHeightSource,
		prescribed:      opts.PrescribedNamesSource,
		chosen:          opts.ChosenNamesSource,
		fetcher:         opts.Fetcher,
		rule:            opts.Rule,
		concurrency:     opts.Concurrency,
		reportTimeout:   opts.ReportTimeout,
		onStateChange:   opts.OnStateChange,
		now:             opts.Now,
	}
	if o.rule == nil {
		o.rule = DefaultRule{}
	}
	if o.concurrency == 0 {
		o.concurrency = DefaultConcurrency
	}
	o.inflight = make(chan struct{}, o.concurrency)
	if o.reportTimeout <= 0 {
		o.reportTimeout = DefaultReportTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// observedHosts drops the reference host and duplicates, keeping order. The
// reference is the oracle and is never judged against itself.
func observedHosts(reference string, hosts []string) []string {
	seen := map[string]struct{}{reference: {}}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

func (o *Observer) ObserverAddress() string {
	return o.observerAddress
}

type nameUnderTest struct {
	name      string
	selection Selection
}

type fetchTask struct {
	host string
	name string
}

// run holds the per-invocation state of GenerateReport
type run struct {
	o     *Observer
	lggr  logger.Logger
	state State
}

func (r *run) to(s State) {
	r.lggr.Debugw("Report generation state change", "from", r.state, "to", s)
	r.state = s
	if r.o.onStateChange != nil {
		r.o.onStateChange(s)
	}
}

func (r *run) fail(err error) (Report, error) {
	failedIn := r.state
	kind := KindOf(err)
	r.to(StateFailed)
	promReportCount.WithLabelValues("failed").Inc()
	r.lggr.Errorw("Report generation failed", "state", failedIn, "kind", kind, "err", err)
	return Report{}, &ReportError{Kind: kind, State: failedIn, Err: err}
}

// GenerateReport runs one audit cycle. Errors are returned only when no
// names can be selected; gateway failures of any kind end up in the report.
func (o *Observer) GenerateReport(ctx context.Context) (Report, error) {
	runID := uuid.New()
	r := &run{o: o, lggr: logger.With(o.lggr, "runID", runID.String()), state: StateIdle}
	b := newReportBuilder(runID, o.observerAddress, o.referenceHost, o.observedHosts, o.now().UTC())

	r.to(StateSelectingNames)
	epochHeight, err := o.epochs.CurrentEpochHeight(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("failed to get epoch height: %w", err))
	}
	prescribed, err := o.prescribed.Names(ctx, epochHeight)
	if err != nil {
		return r.fail(fmt.Errorf("failed to select prescribed names: %w", err))
	}
	chosen, err := o.chosen.Names(ctx, epochHeight)
	if err != nil {
		return r.fail(fmt.Errorf("failed to select chosen names: %w", err))
	}
	b.setSelection(epochHeight, prescribed, chosen)
	underTest := unionNames(prescribed, chosen)
	r.lggr.Debugw("Selected names", "epochHeight", epochHeight, "prescribed", prescribed, "chosen", chosen)

	fetchCtx, cancel := context.WithTimeout(ctx, o.reportTimeout)
	defer cancel()

	r.to(StateFetchingReference)
	refTasks := make([]fetchTask, len(underTest))
	for i, n := range underTest {
		refTasks[i] = fetchTask{o.referenceHost, n.name}
	}
	refResults := o.fetchAll(fetchCtx, refTasks)

	judged := make([]nameUnderTest, 0, len(underTest))
	refs := make(map[string]gateway.FetchResult, len(underTest))
	for i, n := range underTest {
		res := refResults[i]
		if !res.OK() {
			// Without an oracle answer the name cannot be judged this run
			b.note(referenceFailureNote(n.name, res))
			r.lggr.Warnw("Reference gateway fetch failed, skipping name", "name", n.name, "status", res.Status, "err", res.Error)
			continue
		}
		refs[n.name] = res
		judged = append(judged, n)
	}

	r.to(StateFetchingObserved)
	obsTasks := make([]fetchTask, 0, len(judged)*len(o.observedHosts))
	sel := make([]Selection, 0, cap(obsTasks))
	for _, h := range o.observedHosts {
		for _, n := range judged {
			obsTasks = append(obsTasks, fetchTask{h, n.name})
			sel = append(sel, n.selection)
		}
	}
	obsResults := o.fetchAll(fetchCtx, obsTasks)

	r.to(StateComparing)
	for i, t := range obsTasks {
		ref := refs[t.name]
		verdict := VerdictFail
		pass, err := o.rule.Pass(ref, obsResults[i])
		if err != nil {
			r.lggr.Errorw("Verdict rule failed, recording fail", "host", t.host, "name", t.name, "err", err)
		} else if pass {
			verdict = VerdictPass
		}
		b.add(ObservationRecord{
			Host:      t.host,
			Name:      t.name,
			Selection: sel[i],
			Reference: ref,
			Observed:  obsResults[i],
			Verdict:   verdict,
		})
	}

	report := b.freeze()
	r.to(StateDone)
	promReportCount.WithLabelValues("ok").Inc()
	r.lggr.Infow("Generated report", "epochHeight", epochHeight, "names", len(underTest), "judged", len(judged), "observations", len(report.Observations))
	return report, nil
}

func referenceFailureNote(name string, res gateway.FetchResult) string {
	if res.Error == "" {
		return fmt.Sprintf("reference gateway failed for %s: %s", name, res.Status)
	}
	return fmt.Sprintf("reference gateway failed for %s: %s %s", name, res.Status, res.Error)
}

// unionNames merges both selections, prescribed first, tagging each name
// with the path(s) that selected it.
func unionNames(prescribed, chosen names.Subset) []nameUnderTest {
	idx := make(map[string]int, len(prescribed)+len(chosen))
	out := make([]nameUnderTest, 0, len(prescribed)+len(chosen))
	for _, n := range prescribed {
		if _, ok := idx[n]; !ok {
			idx[n] = len(out)
			out = append(out, nameUnderTest{name: n})
		}
		out[idx[n]].selection.Prescribed = true
	}
	for _, n := range chosen {
		if _, ok := idx[n]; !ok {
			idx[n] = len(out)
			out = append(out, nameUnderTest{name: n})
		}
		out[idx[n]].selection.Chosen = true
	}
	return out
}

// fetchAll runs every task with bounded concurrency and returns results in
// task order. Once ctx is done, pending and in-flight fetches are abandoned
// and recorded as timeouts.
func (o *Observer) fetchAll(ctx context.Context, tasks []fetchTask) []gateway.FetchResult {
	results := make([]gateway.FetchResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = o.fetchOne(ctx, t)
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors
	return results
}

// fetchOne holds a slot of o.inflight until the fetcher call itself returns,
// so a fetcher that ignores ctx after an abandonment still counts against
// the concurrency bound, even for later reports.
func (o *Observer) fetchOne(ctx context.Context, t fetchTask) gateway.FetchResult {
	if err := ctx.Err(); err != nil {
		return abandoned(t, err)
	}
	select {
	case o.inflight <- struct{}{}:
	case <-ctx.Done():
		return abandoned(t, ctx.Err())
	}
	done := make(chan gateway.FetchResult, 1)
	go func() {
		defer func() { <-o.inflight }()
		done <- o.fetcher.Fetch(ctx, t.host, t.name)
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return abandoned(t, ctx.Err())
	}
}

func abandoned(t fetchTask, err error) gateway.FetchResult {
	return gateway.FetchResult{
		Host:   t.host,
		Name:   t.name,
		Status: gateway.StatusTimeout,
		Error:  fmt.Sprintf("abandoned: %v", err),
	}
}
