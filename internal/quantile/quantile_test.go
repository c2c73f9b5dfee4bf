package quantile

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/internal/model"
	"bayesfitness/internal/posterior"
	"bayesfitness/pkg/fiterr"
)

type warnRecorder struct {
	warnings []string
}

func (w *warnRecorder) Debug(string, ...any)      {}
func (w *warnRecorder) Info(string, ...any)       {}
func (w *warnRecorder) Warn(msg string, _ ...any) { w.warnings = append(w.warnings, msg) }
func (w *warnRecorder) Error(string, ...any)      {}

func randomSamples(seed uint64, times, n int) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, 1))
	m := mat.NewDense(times, n, nil)
	for t := 0; t < times; t++ {
		for i := 0; i < n; i++ {
			m.Set(t, i, float64(t)+rng.NormFloat64()*(1+float64(t)))
		}
	}
	return m
}

func TestBands_ShapeOrderingAndNesting(t *testing.T) {
	samples := randomSamples(1, 4, 500)
	res, err := Bands([]float64{0.95, 0.68, 0.05}, samples, FromMatrix())
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	if nt, nl, nb := res.Dims(); nt != 4 || nl != 3 || nb != 2 {
		t.Fatalf("dims %d x %d x %d", nt, nl, nb)
	}
	if res.Reordered {
		t.Fatalf("descending levels reported as reordered")
	}
	for tt := 0; tt < 4; tt++ {
		for k := range res.Levels {
			lo, hi := res.At(tt, k)
			if lo > hi {
				t.Fatalf("time %d level %v: lower %v > upper %v", tt, res.Levels[k], lo, hi)
			}
			if k > 0 {
				wlo, whi := res.At(tt, k-1)
				if lo < wlo || hi > whi {
					t.Fatalf("time %d: level %v band [%v, %v] not inside level %v band [%v, %v]",
						tt, res.Levels[k], lo, hi, res.Levels[k-1], wlo, whi)
				}
			}
		}
	}
	if arr := res.Array(); len(arr) != 4 || len(arr[0]) != 3 {
		t.Fatalf("array shape %d x %d", len(arr), len(arr[0]))
	}
}

func TestBands_InvariantToLevelOrder(t *testing.T) {
	samples := randomSamples(2, 3, 200)
	want, err := Bands([]float64{0.9, 0.5, 0.1}, samples, FromMatrix())
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	logger := &warnRecorder{}
	got, err := Bands([]float64{0.1, 0.9, 0.5}, samples, FromMatrix(), WithLogger(logger))
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	if !got.Reordered || len(logger.warnings) != 1 {
		t.Fatalf("expected one reorder warning, got reordered=%v warnings=%v", got.Reordered, logger.warnings)
	}
	if diff := cmp.Diff(want.Array(), got.Array()); diff != "" {
		t.Fatalf("bands differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0.9, 0.5, 0.1}, got.Levels); diff != "" {
		t.Fatalf("levels (-want +got):\n%s", diff)
	}
}

func TestBands_NegationSwapsBounds(t *testing.T) {
	samples := randomSamples(3, 3, 301)
	var neg mat.Dense
	neg.Scale(-1, samples)
	levels := []float64{0.95, 0.5}
	a, err := Bands(levels, samples, FromMatrix())
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	b, err := Bands(levels, &neg, FromMatrix())
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	approx := cmpopts.EquateApprox(0, 1e-9)
	for tt := 0; tt < 3; tt++ {
		for k := range levels {
			lo, hi := a.At(tt, k)
			nlo, nhi := b.At(tt, k)
			if !cmp.Equal(nlo, -hi, approx) || !cmp.Equal(nhi, -lo, approx) {
				t.Fatalf("time %d level %v: negated [%v, %v], want [%v, %v]", tt, levels[k], nlo, nhi, -hi, -lo)
			}
		}
	}
}

func TestBands_Validation(t *testing.T) {
	samples := randomSamples(4, 2, 10)
	cases := []struct {
		name   string
		levels []float64
	}{
		{"empty", nil},
		{"zero", []float64{0}},
		{"one", []float64{1}},
		{"nan", []float64{math.NaN()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Bands(tc.levels, samples, FromMatrix()); !errors.Is(err, fiterr.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	bad := mat.NewDense(1, 2, []float64{1, math.Inf(1)})
	if _, err := Bands([]float64{0.5}, bad, FromMatrix()); !errors.Is(err, fiterr.ErrDegenerate) {
		t.Fatalf("expected degenerate for non-finite sample, got %v", err)
	}
}

func TestType7(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	cases := map[float64]float64{0: 1, 0.25: 1.75, 0.5: 2.5, 1: 4}
	for p, want := range cases {
		if got := Type7(x, p); math.Abs(got-want) > 1e-12 {
			t.Fatalf("Type7(%v) = %v, want %v", p, got, want)
		}
	}
	if got := Type7([]float64{7}, 0.3); got != 7 {
		t.Fatalf("single sample quantile %v", got)
	}
}

func TestFromRows(t *testing.T) {
	frame := Frame{
		Columns: []string{"s_pop[0]", "s_pop[1]", "lp"},
		Rows: [][]float64{
			{0.1, 0.2, -5},
			{0.3, 0.4, -6},
		},
	}
	got, err := FromRows("s_pop[0]", "s_pop[1]")(frame)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	want := mat.NewDense(2, 2, []float64{0.1, 0.3, 0.2, 0.4})
	if !mat.Equal(got, want) {
		t.Fatalf("got %v", mat.Formatted(got))
	}
	if _, err := FromRows("missing")(frame); !errors.Is(err, fiterr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPosteriorDerivers(t *testing.T) {
	counts := mat.NewDense(3, 4, []float64{
		100, 100, 50, 50,
		100, 150, 40, 60,
		100, 200, 30, 70,
	})
	totals := []float64{300, 350, 400}
	m, err := model.NewJoint(counts, totals, 1, 1, model.DefaultHyperparameters())
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	mean := make([]float64, m.Dim())
	for tt := 0; tt < 3; tt++ {
		for l := 0; l < 4; l++ {
			mean[m.LambdaIndex(0, tt, l)] = math.Log(counts.At(tt, l))
		}
	}
	logStd := make([]float64, m.Dim())
	for i := range logStd {
		logStd[i] = math.Log(0.01)
	}
	q, err := posterior.NewMeanField(mean, logStd)
	if err != nil {
		t.Fatalf("posterior: %v", err)
	}
	s, err := DrawSamples(m, q, 200, 1)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}

	freq, err := Bands([]float64{0.9}, s, Frequency(0))
	if err != nil {
		t.Fatalf("frequency bands: %v", err)
	}
	for tt, want := range []float64{1.0 / 3, 100.0 / 350, 0.25} {
		lo, hi := freq.At(tt, 0)
		if lo > want+0.01 || hi < want-0.01 {
			t.Fatalf("time %d frequency band [%v, %v] misses %v", tt, lo, hi, want)
		}
	}

	ratio, err := Bands([]float64{0.9}, s, LogFrequencyRatio(0))
	if err != nil {
		t.Fatalf("ratio bands: %v", err)
	}
	neutral, err := Bands([]float64{0.9}, s, NeutralLogRatio(0))
	if err != nil {
		t.Fatalf("neutral bands: %v", err)
	}
	for tt := 0; tt < 2; tt++ {
		lo, hi := ratio.At(tt, 0)
		nlo, nhi := neutral.At(tt, 0)
		if math.Abs(nlo+hi) > 1e-9 || math.Abs(nhi+lo) > 1e-9 {
			t.Fatalf("step %d: neutral [%v, %v] is not the negated ratio band [%v, %v]", tt, nlo, nhi, lo, hi)
		}
	}
	if _, err := Bands([]float64{0.9}, s, NeutralLogRatio(1)); !errors.Is(err, fiterr.ErrInvalidInput) {
		t.Fatalf("mutant lineage as neutral: expected invalid input, got %v", err)
	}

	mf, err := Bands([]float64{0.5}, s, MeanFitness())
	if err != nil {
		t.Fatalf("mean fitness bands: %v", err)
	}
	if nt, _, _ := mf.Dims(); nt != 2 {
		t.Fatalf("mean fitness rows %d", nt)
	}
	mut, err := Bands([]float64{0.5}, s, MutantFitness())
	if err != nil {
		t.Fatalf("mutant fitness bands: %v", err)
	}
	if nt, _, _ := mut.Dims(); nt != 1 {
		t.Fatalf("mutant fitness rows %d", nt)
	}
}

func TestPalette(t *testing.T) {
	levels := []float64{0.95, 0.5}
	if err := CheckPalette(levels, []string{"#08519c"}); !errors.Is(err, fiterr.ErrInsufficientColors) {
		t.Fatalf("expected insufficient colors, got %v", err)
	}
	if err := CheckPalette(levels, []string{"#08519c", "#6baed6"}); err != nil {
		t.Fatalf("palette: %v", err)
	}
	ramp := Ramp(3)
	if diff := cmp.Diff([]float64{0.25, 0.5, 0.75}, ramp, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("ramp (-want +got):\n%s", diff)
	}
	if Ramp(0) != nil || len(Ramp(1)) != 1 {
		t.Fatalf("degenerate ramps")
	}
}
