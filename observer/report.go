package observer

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/maps"

	"github.com/ar-io/observer/gateway"
)

// ReportFormatVersion is bumped whenever the report field set changes
const ReportFormatVersion = 1

type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Selection records which selection path(s) put a name under test. It is
// informational only and never affects the verdict.
type Selection struct {
	Prescribed bool `json:"prescribed"`
	Chosen     bool `json:"chosen"`
}

type ObservationRecord struct {
	Host      string              `json:"host"`
	Name      string              `json:"name"`
	Selection Selection           `json:"selection"`
	Reference gateway.FetchResult `json:"reference"`
	Observed  gateway.FetchResult `json:"observed"`
	Verdict   Verdict             `json:"verdict"`
}

type GatewaySummary struct {
	Host  string `json:"host"`
	Pass  int    `json:"pass"`
	Fail  int    `json:"fail"`
	Total int    `json:"total"`
	// PassRate is Pass/Total rounded to 4 decimal places, 0 when Total is 0
	PassRate decimal.Decimal `json:"passRate"`
}

// Report is the result of one audit cycle. It is a plain value: nothing in
// this package holds on to a Report after returning it.
type Report struct {
	FormatVersion        int                 `json:"formatVersion"`
	RunID                uuid.UUID           `json:"runId"`
	ObserverAddress      string              `json:"observerAddress"`
	EpochHeight          uint64              `json:"epochHeight"`
	ReferenceGatewayHost string              `json:"referenceGatewayHost"`
	ObservedGatewayHosts []string            `json:"observedGatewayHosts"`
	GeneratedAt          time.Time           `json:"generatedAt"`
	PrescribedNames      []string            `json:"prescribedNames"`
	ChosenNames          []string            `json:"chosenNames"`
	Notes                []string            `json:"notes"`
	Observations         []ObservationRecord `json:"observations"`
	Summaries            []GatewaySummary    `json:"summaries"`
}

func (r Report) Summary(host string) (GatewaySummary, bool) {
	i := sort.Search(len(r.Summaries), func(i int) bool { return r.Summaries[i].Host >= host })
	if i < len(r.Summaries) && r.Summaries[i].Host == host {
		return r.Summaries[i], true
	}
	return GatewaySummary{}, false
}

// reportBuilder is the mutable side of a Report while the state machine
// runs. Only freeze hands out a Report.
type reportBuilder struct {
	r       Report
	records []ObservationRecord
}

func newReportBuilder(runID uuid.UUID, observerAddress, referenceHost string, observedHosts []string, now time.Time) *reportBuilder {
	return &reportBuilder{r: Report{
		FormatVersion:        ReportFormatVersion,
		RunID:                runID,
		ObserverAddress:      observerAddress,
		ReferenceGatewayHost: referenceHost,
		ObservedGatewayHosts: observedHosts,
		GeneratedAt:          now,
	}}
}

func (b *reportBuilder) setSelection(epochHeight uint64, prescribed, chosen []string) {
	b.r.EpochHeight = epochHeight
	b.r.PrescribedNames = prescribed
	b.r.ChosenNames = chosen
}

func (b *reportBuilder) note(s string) {
	b.r.Notes = append(b.r.Notes, s)
}

func (b *reportBuilder) add(rec ObservationRecord) {
	b.records = append(b.records, rec)
}

func (b *reportBuilder) freeze() Report {
	r := b.r
	r.ObservedGatewayHosts = cloneStrings(r.ObservedGatewayHosts)
	r.PrescribedNames = cloneStrings(r.PrescribedNames)
	r.ChosenNames = cloneStrings(r.ChosenNames)
	r.Notes = cloneStrings(r.Notes)

	r.Observations = make([]ObservationRecord, len(b.records))
	copy(r.Observations, b.records)
	// Fetches complete in arbitrary order; sort for reproducible output
	sort.SliceStable(r.Observations, func(i, j int) bool {
		a, c := r.Observations[i], r.Observations[j]
		if a.Host != c.Host {
			return a.Host < c.Host
		}
		return a.Name < c.Name
	})

	counts := make(map[string]*GatewaySummary, len(r.ObservedGatewayHosts))
	for _, h := range r.ObservedGatewayHosts {
		counts[h] = &GatewaySummary{Host: h}
	}
	for _, rec := range r.Observations {
		s, ok := counts[rec.Host]
		if !ok {
			s = &GatewaySummary{Host: rec.Host}
			counts[rec.Host] = s
		}
		s.Total++
		if rec.Verdict == VerdictPass {
			s.Pass++
		} else {
			s.Fail++
		}
	}
	hosts := maps.Keys(counts)
	sort.Strings(hosts)
	r.Summaries = make([]GatewaySummary, 0, len(hosts))
	for _, h := range hosts {
		s := counts[h]
		s.PassRate = passRate(s.Pass, s.Total)
		r.Summaries = append(r.Summaries, *s)
	}
	return r
}

func passRate(pass, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(pass)).DivRound(decimal.NewFromInt(int64(total)), 4)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append(make([]string, 0, len(s)), s...)
}
