package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"quantlab/internal/domain"
	"quantlab/internal/strategy"
	"quantlab/internal/strategy/builtins"
)

var day0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func makeTable(closes []float64) *domain.PriceTable {
	n := len(closes)
	t := &domain.PriceTable{
		Symbol: "TEST",
		Dates:  make([]time.Time, n),
		Open:   make([]float64, n),
		High:   make([]float64, n),
		Low:    make([]float64, n),
		Close:  append([]float64(nil), closes...),
		Volume: make([]float64, n),
	}
	for i := range closes {
		t.Dates[i] = day0.AddDate(0, 0, i)
	}
	return t
}

func walk(seed uint64, n int) []float64 {
	r := rand.New(rand.NewPCG(seed, 42))
	out := make([]float64, n)
	out[0] = 100
	for i := 1; i < n; i++ {
		out[i] = out[i-1] * (1 + 0.01*r.NormFloat64())
	}
	return out
}

// fakeStrategy returns a fixed signal series, an error, or panics.
type fakeStrategy struct {
	name    string
	signals func(n int) domain.SignalSeries
	err     error
	panics  bool
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Generate(p *domain.PriceTable) (domain.SignalSeries, error) {
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.signals(p.Len()), nil
}

func constant(v domain.Signal) func(int) domain.SignalSeries {
	return func(n int) domain.SignalSeries {
		s := make(domain.SignalSeries, n)
		for i := range s {
			s[i] = v
		}
		return s
	}
}

type fakeRecorder struct {
	mu     sync.Mutex
	status map[string]string
}

func (r *fakeRecorder) ObserveRun(name, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		r.status = make(map[string]string)
	}
	r.status[name] = status
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] && !(math.IsNaN(a[i]) && math.IsNaN(b[i])) {
			return false
		}
	}
	return true
}

func builtinStrategies(t *testing.T) []strategy.Strategy {
	t.Helper()
	m, err := builtins.NewMomentum(10)
	if err != nil {
		t.Fatal(err)
	}
	mr, err := builtins.NewMeanReversion(10, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	sa, err := builtins.NewStatArb(builtins.DefaultStatArbParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return []strategy.Strategy{m, mr, sa}
}

func TestNewEngineRejectsCapital(t *testing.T) {
	for _, c := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		if _, err := NewEngine(c); !errors.Is(err, ErrInvalidCapital) {
			t.Errorf("NewEngine(%v) err = %v, want ErrInvalidCapital", c, err)
		}
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	e, _ := NewEngine(1000)
	ctx := context.Background()
	long := &fakeStrategy{name: "long", signals: constant(domain.SignalLong)}

	if _, err := e.Run(ctx, []strategy.Strategy{long}, nil); !errors.Is(err, ErrEmptyTable) {
		t.Errorf("nil table err = %v, want ErrEmptyTable", err)
	}
	if _, err := e.Run(ctx, []strategy.Strategy{long}, makeTable(nil)); !errors.Is(err, ErrEmptyTable) {
		t.Errorf("empty table err = %v, want ErrEmptyTable", err)
	}
	var typedNil *builtins.Momentum
	if _, err := e.Run(ctx, []strategy.Strategy{long, typedNil}, makeTable([]float64{1, 2})); err == nil {
		t.Error("typed nil strategy should be rejected")
	}
	if _, err := e.Run(ctx, []strategy.Strategy{nil}, makeTable([]float64{1, 2})); err == nil {
		t.Error("nil strategy should be rejected")
	}
	dup := &fakeStrategy{name: "long", signals: constant(domain.SignalShort)}
	if _, err := e.Run(ctx, []strategy.Strategy{long, dup}, makeTable([]float64{1, 2})); !errors.Is(err, ErrDuplicateStrategy) {
		t.Errorf("duplicate err = %v, want ErrDuplicateStrategy", err)
	}
}

func TestApplySignals(t *testing.T) {
	prices := makeTable([]float64{100, 110, 99, 99})
	signals := domain.SignalSeries{1, -1, 0, 1}
	r := ApplySignals(prices, signals, 1000)

	if !math.IsNaN(r.PeriodReturn[0]) || !math.IsNaN(r.StrategyReturn[0]) {
		t.Errorf("row 0 returns = %v, %v; want NaN", r.PeriodReturn[0], r.StrategyReturn[0])
	}
	wantPeriod := []float64{0.1, -0.1, 0}
	wantStrategy := []float64{0.1, 0.1, 0}
	for i := range wantPeriod {
		if math.Abs(r.PeriodReturn[i+1]-wantPeriod[i]) > 1e-12 {
			t.Errorf("PeriodReturn[%d] = %v, want %v", i+1, r.PeriodReturn[i+1], wantPeriod[i])
		}
		if math.Abs(r.StrategyReturn[i+1]-wantStrategy[i]) > 1e-12 {
			t.Errorf("StrategyReturn[%d] = %v, want %v", i+1, r.StrategyReturn[i+1], wantStrategy[i])
		}
	}
	if r.CumulativeStrategy[0] != 1000 || r.CumulativeMarket[0] != 1000 {
		t.Errorf("first equity = %v / %v, want 1000", r.CumulativeStrategy[0], r.CumulativeMarket[0])
	}
	if math.Abs(r.CumulativeStrategy[3]-1210) > 1e-9 {
		t.Errorf("final strategy equity = %v, want 1210", r.CumulativeStrategy[3])
	}
	if math.Abs(r.CumulativeMarket[3]-990) > 1e-9 {
		t.Errorf("final market equity = %v, want 990", r.CumulativeMarket[3])
	}
}

func TestApplySignalsMissingClose(t *testing.T) {
	prices := makeTable([]float64{100, math.NaN(), 110})
	r := ApplySignals(prices, domain.SignalSeries{1, 1, 1}, 500)
	for i, v := range r.CumulativeStrategy {
		if v != 500 {
			t.Errorf("equity[%d] = %v, want 500 when returns are missing", i, v)
		}
	}
}

func TestRunReturnFormula(t *testing.T) {
	e, _ := NewEngine(10000, WithMaxWorkers(2))
	prices := makeTable(walk(1, 250))
	out, err := e.Run(context.Background(), builtinStrategies(t), prices)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Run returned %d outcomes, want 3", len(out))
	}
	for name, o := range out {
		if o.Err != nil {
			t.Fatalf("%s: %v", name, o.Err)
		}
		r := o.Result
		if r.Strategy != name {
			t.Errorf("Result.Strategy = %q, want %q", r.Strategy, name)
		}
		if r.CumulativeStrategy[0] != 10000 {
			t.Errorf("%s: first equity = %v, want 10000", name, r.CumulativeStrategy[0])
		}
		for i := 1; i < r.Len(); i++ {
			want := float64(r.Signal[i-1]) * r.PeriodReturn[i]
			if r.StrategyReturn[i] != want {
				t.Fatalf("%s: StrategyReturn[%d] = %v, want %v", name, i, r.StrategyReturn[i], want)
			}
		}
		if r.Prices == prices {
			t.Errorf("%s: result shares the input table", name)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	e, _ := NewEngine(10000)
	prices := makeTable(walk(2, 300))
	prices.Benchmark = "BENCH"
	prices.BenchmarkClose = walk(3, 300)
	before := append([]float64(nil), prices.Close...)

	first, err := e.Run(context.Background(), builtinStrategies(t), prices)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := e.Run(context.Background(), builtinStrategies(t), prices)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for name, a := range first {
		b := second[name]
		if a.Err != nil || b.Err != nil {
			t.Fatalf("%s: errors %v / %v", name, a.Err, b.Err)
		}
		if !sameFloats(a.Result.StrategyReturn, b.Result.StrategyReturn) ||
			!sameFloats(a.Result.CumulativeStrategy, b.Result.CumulativeStrategy) ||
			!sameFloats(a.Result.CumulativeMarket, b.Result.CumulativeMarket) {
			t.Errorf("%s: results differ between runs", name)
		}
	}
	if !sameFloats(before, prices.Close) {
		t.Error("Run modified the shared price table")
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	rec := &fakeRecorder{}
	e, _ := NewEngine(1000, WithRecorder(rec), WithMaxWorkers(1))
	prices := makeTable(walk(4, 50))

	good := &fakeStrategy{name: "good", signals: constant(domain.SignalLong)}
	failing := &fakeStrategy{name: "failing", err: errors.New("fit failed")}
	panicking := &fakeStrategy{name: "panicking", panics: true}
	short := &fakeStrategy{name: "short-series", signals: func(n int) domain.SignalSeries { return make(domain.SignalSeries, n-1) }}
	badValue := &fakeStrategy{name: "bad-value", signals: constant(domain.Signal(2))}

	out, err := e.Run(context.Background(), []strategy.Strategy{good, failing, panicking, short, badValue}, prices)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o := out["good"]; o.Err != nil || o.Result == nil {
		t.Fatalf("good outcome = %+v", o)
	}
	for _, name := range []string{"failing", "panicking", "short-series", "bad-value"} {
		o := out[name]
		if o.Err == nil || o.Result != nil {
			t.Errorf("%s outcome = %+v, want an error", name, o)
		}
	}
	if !errors.Is(out["short-series"].Err, ErrBadSignal) || !errors.Is(out["bad-value"].Err, ErrBadSignal) {
		t.Errorf("signal validation errors = %v / %v", out["short-series"].Err, out["bad-value"].Err)
	}
	if rec.status["good"] != StatusOK || rec.status["panicking"] != StatusFailed {
		t.Errorf("recorded statuses = %v", rec.status)
	}
}

func TestRunCancelled(t *testing.T) {
	e, _ := NewEngine(1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := e.Run(ctx, builtinStrategies(t), makeTable(walk(5, 30)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for name, o := range out {
		if !errors.Is(o.Err, context.Canceled) {
			t.Errorf("%s err = %v, want context.Canceled", name, o.Err)
		}
	}
}
