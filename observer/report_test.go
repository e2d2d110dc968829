package observer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services/servicetest"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"

	"github.com/ar-io/observer/gateway"
)

func sampleReport() Report {
	b := newReportBuilder(uuid.New(), "observer-wallet", "ref", []string{"g2", "g1"}, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	b.setSelection(1000, []string{"c"}, []string{"e"})
	ok := gateway.FetchResult{Status: gateway.StatusOK, StatusCode: 200, Digest: "D1"}
	b.add(ObservationRecord{Host: "g2", Name: "c", Selection: Selection{Prescribed: true}, Reference: ok, Observed: gateway.FetchResult{Host: "g2", Name: "c", Status: gateway.StatusTimeout}, Verdict: VerdictFail})
	b.add(ObservationRecord{Host: "g1", Name: "e", Selection: Selection{Chosen: true}, Reference: ok, Observed: gateway.FetchResult{Host: "g1", Name: "e", Status: gateway.StatusOK, Digest: "D2"}, Verdict: VerdictFail})
	b.add(ObservationRecord{Host: "g1", Name: "c", Selection: Selection{Prescribed: true}, Reference: ok, Observed: ok, Verdict: VerdictPass})
	b.add(ObservationRecord{Host: "g1", Name: "d", Reference: ok, Observed: ok, Verdict: VerdictPass})
	return b.freeze()
}

func Test_ReportBuilder(t *testing.T) {
	r := sampleReport()

	var order []string
	for _, rec := range r.Observations {
		order = append(order, rec.Host+"/"+rec.Name)
	}
	assert.Equal(t, []string{"g1/c", "g1/d", "g1/e", "g2/c"}, order)
	assert.Equal(t, []string{}, r.Notes)

	require.Len(t, r.Summaries, 2)
	assert.Equal(t, "g1", r.Summaries[0].Host)
	assert.Equal(t, 2, r.Summaries[0].Pass)
	assert.Equal(t, 1, r.Summaries[0].Fail)
	assert.Equal(t, "0.6667", r.Summaries[0].PassRate.String())
	assert.Equal(t, "g2", r.Summaries[1].Host)
	assert.True(t, r.Summaries[1].PassRate.IsZero())

	t.Run("frozen report does not alias the builder", func(t *testing.T) {
		hosts := []string{"g1"}
		b := newReportBuilder(uuid.New(), "o", "ref", hosts, time.Now())
		r := b.freeze()
		hosts[0] = "mutated"
		b.note("late")
		assert.Equal(t, []string{"g1"}, r.ObservedGatewayHosts)
		assert.Empty(t, r.Notes)
	})
}

func Test_ReportCodec(t *testing.T) {
	r := sampleReport()
	b, err := EncodeReport(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"passRate":"0.6667"`)
	assert.Contains(t, string(b), `"runId":"`+r.RunID.String()+`"`)

	decoded, err := DecodeReport(b)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, decoded.RunID)
	assert.Equal(t, r.Observations, decoded.Observations)
	assert.True(t, r.GeneratedAt.Equal(decoded.GeneratedAt))
	require.Len(t, decoded.Summaries, len(r.Summaries))
	for i := range r.Summaries {
		assert.True(t, r.Summaries[i].PassRate.Equal(decoded.Summaries[i].PassRate))
		assert.Equal(t, r.Summaries[i].Total, decoded.Summaries[i].Total)
	}

	_, err = DecodeReport([]byte(`{"formatVersion":99}`))
	assert.EqualError(t, err, "unsupported report format version 99")
	_, err = DecodeReport([]byte(`{`))
	assert.ErrorContains(t, err, "failed to decode report")
}

func Test_Rules(t *testing.T) {
	ref := gateway.FetchResult{Status: gateway.StatusOK, Digest: "d", ResolvedID: "tx1"}
	for _, tc := range []struct {
		name     string
		observed gateway.FetchResult
		pass     bool
	}{
		{"match", gateway.FetchResult{Status: gateway.StatusOK, Digest: "d", ResolvedID: "tx1"}, true},
		{"digest mismatch", gateway.FetchResult{Status: gateway.StatusOK, Digest: "x", ResolvedID: "tx1"}, false},
		{"resolved id mismatch", gateway.FetchResult{Status: gateway.StatusOK, Digest: "d", ResolvedID: "tx2"}, false},
		{"timeout", gateway.FetchResult{Status: gateway.StatusTimeout}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pass, err := DefaultRule{}.Pass(ref, tc.observed)
			require.NoError(t, err)
			assert.Equal(t, tc.pass, pass)
		})
	}

	t.Run("expr rule", func(t *testing.T) {
		rule, err := NewExprRule(`observed.ok && observed.digest == reference.digest`)
		require.NoError(t, err)
		assert.Equal(t, `observed.ok && observed.digest == reference.digest`, rule.String())

		pass, err := rule.Pass(ref, gateway.FetchResult{Status: gateway.StatusOK, Digest: "d", ResolvedID: "other"})
		require.NoError(t, err)
		assert.True(t, pass)
		pass, err = rule.Pass(ref, gateway.FetchResult{Status: gateway.StatusNotFound})
		require.NoError(t, err)
		assert.False(t, pass)
	})

	t.Run("invalid expr rules are rejected at construction", func(t *testing.T) {
		_, err := NewExprRule(`observed.ok &&`)
		assert.ErrorContains(t, err, "invalid verdict rule")
		_, err = NewExprRule(`1 + 2`)
		assert.ErrorContains(t, err, "invalid verdict rule")
	})
}

func Test_WriterTransmitter(t *testing.T) {
	var buf bytes.Buffer
	tr := NewWriterTransmitter(&buf)
	r := sampleReport()
	require.NoError(t, tr.Transmit(tests.Context(t), r))

	out := buf.Bytes()
	assert.True(t, bytes.HasSuffix(out, []byte("}\n")))
	assert.Contains(t, string(out), "\n  \"observerAddress\": \"observer-wallet\"")
	decoded, err := DecodeReport(out)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, decoded.RunID)
}

type stepEpoch struct {
	mu     sync.Mutex
	height uint64
}

func (s *stepEpoch) CurrentEpochHeight(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

func (s *stepEpoch) set(h uint64) {
	s.mu.Lock()
	s.height = h
	s.mu.Unlock()
}

type generatorFunc func(ctx context.Context) (Report, error)

func (f generatorFunc) GenerateReport(ctx context.Context) (Report, error) { return f(ctx) }

type recordingTransmitter struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (r *recordingTransmitter) Transmit(_ context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return r.err
}

func (r *recordingTransmitter) Epochs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, rep := range r.reports {
		out = append(out, rep.EpochHeight)
	}
	return out
}

func Test_Service(t *testing.T) {
	epochs := &stepEpoch{height: 100}
	gen := generatorFunc(func(ctx context.Context) (Report, error) {
		h, _ := epochs.CurrentEpochHeight(ctx)
		if h == 150 {
			return Report{}, errors.New("generation failed")
		}
		return Report{FormatVersion: ReportFormatVersion, EpochHeight: h}, nil
	})
	ok := &recordingTransmitter{}
	failing := &recordingTransmitter{err: errors.New("transmit failed")}

	svc, err := NewService(ServiceOpts{
		Logger:            logger.Test(t),
		Generator:         gen,
		EpochHeightSource: epochs,
		Transmitters:      []Transmitter{failing, ok},
		Interval:          10 * time.Millisecond,
	})
	require.NoError(t, err)
	servicetest.Run(t, svc)

	require.Eventually(t, func() bool { return len(ok.Epochs()) == 1 }, 5*time.Second, 5*time.Millisecond)
	// Same epoch is not reported twice
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []uint64{100}, ok.Epochs())
	assert.Equal(t, []uint64{100}, failing.Epochs(), "a failing transmitter still receives reports")

	// A failed generation is retried on the next tick
	epochs.set(150)
	time.Sleep(50 * time.Millisecond)
	last, reported := svc.LastReportedEpoch()
	assert.True(t, reported)
	assert.Equal(t, uint64(100), last)

	epochs.set(200)
	require.Eventually(t, func() bool { return len(ok.Epochs()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{100, 200}, ok.Epochs())
}

func Test_NewService(t *testing.T) {
	_, err := NewService(ServiceOpts{Logger: logger.Test(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one transmitter is required")
}
