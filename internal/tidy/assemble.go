// Package tidy converts long-format barcode count tables into the time by
// lineage count arrays consumed by the fitness models.
package tidy

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/pkg/fiterr"
)

// Row is one observation of a tidy table keyed by column name.
type Row = map[string]any

// Table is a tidy observation table.
type Table []Row

// Columns names the table columns holding each observation field.
// Replicate is optional; leave it empty for single-replicate experiments.
type Columns struct {
	ID        string
	Time      string
	Count     string
	Neutral   string
	Replicate string
}

// DefaultColumns returns the conventional column names.
func DefaultColumns() Columns {
	return Columns{ID: "barcode", Time: "time", Count: "count", Neutral: "neutral"}
}

// Options tunes assembly.
type Options struct {
	// DropFirstTime removes the earliest time point before assembly.
	DropFirstTime bool
}

// ReplicateArrays holds the count matrices of a single replicate.
type ReplicateArrays struct {
	ID       string
	RNeutral *mat.Dense
	RMutant  *mat.Dense
	RTotal   *mat.Dense
	Totals   []float64
}

// Arrays is the structured output of Assemble. Without a replicate column
// the top-level matrices are populated; with one, each replicate is a slice
// of Replicates (the third dimension) and the top-level matrices are nil.
type Arrays struct {
	RNeutral *mat.Dense
	RMutant  *mat.Dense
	RTotal   *mat.Dense
	Totals   []float64

	NNeutral   int
	NMut       int
	NeutralIDs []string
	MutantIDs  []string
	Times      []float64
	Replicates []ReplicateArrays
}

// HasReplicates reports whether the arrays were assembled per replicate.
func (a Arrays) HasReplicates() bool { return len(a.Replicates) > 0 }

// NumTimes returns the number of time points retained.
func (a Arrays) NumTimes() int { return len(a.Times) }

type observation struct {
	id      string
	time    float64
	count   float64
	neutral bool
	rep     string
}

type group struct {
	id   string
	rows []observation
}

// Assemble validates the table and builds neutral, mutant and total count
// matrices aligned by time. Every lineage must be observed exactly once at
// every distinct time (and replicate); anything else is ErrShapeMismatch.
func Assemble(table Table, cols Columns, opts Options) (Arrays, error) {
	if len(table) == 0 {
		return Arrays{}, fmt.Errorf("%w: empty table", fiterr.ErrInvalidInput)
	}
	obs, err := parseRows(table, cols)
	if err != nil {
		return Arrays{}, err
	}

	times := distinctTimes(obs)
	if opts.DropFirstTime {
		if len(times) < 2 {
			return Arrays{}, fmt.Errorf("%w: cannot drop the only time point", fiterr.ErrInvalidInput)
		}
		first := times[0]
		times = times[1:]
		kept := obs[:0:0]
		for _, o := range obs {
			if o.time != first {
				kept = append(kept, o)
			}
		}
		obs = kept
	}
	if len(times) < 2 {
		return Arrays{}, fmt.Errorf("%w: at least two time points required, got %d", fiterr.ErrInvalidInput, len(times))
	}

	reps := distinctReplicates(obs)
	neutral, mutant, err := groupLineages(obs)
	if err != nil {
		return Arrays{}, err
	}
	if len(neutral) == 0 {
		return Arrays{}, fmt.Errorf("%w: no neutral lineages", fiterr.ErrDegenerate)
	}
	expected := len(times) * len(reps)
	for _, groups := range [][]group{neutral, mutant} {
		for _, g := range groups {
			if err := checkGroup(g, expected, len(times)); err != nil {
				return Arrays{}, err
			}
		}
	}

	out := Arrays{
		NNeutral:   len(neutral),
		NMut:       len(mutant),
		NeutralIDs: groupIDs(neutral),
		MutantIDs:  groupIDs(mutant),
		Times:      times,
	}
	if cols.Replicate == "" {
		var err error
		if out.RNeutral, out.RMutant, out.RTotal, out.Totals, err = buildMatrices(neutral, mutant, len(times), 0); err != nil {
			return Arrays{}, err
		}
		return out, nil
	}
	out.Replicates = make([]ReplicateArrays, len(reps))
	for r, id := range reps {
		rn, rm, rt, n, err := buildMatrices(neutral, mutant, len(times), r)
		if err != nil {
			return Arrays{}, fmt.Errorf("replicate %s: %w", id, err)
		}
		out.Replicates[r] = ReplicateArrays{ID: id, RNeutral: rn, RMutant: rm, RTotal: rt, Totals: n}
	}
	return out, nil
}

func parseRows(table Table, cols Columns) ([]observation, error) {
	obs := make([]observation, 0, len(table))
	for i, row := range table {
		var o observation
		idv, ok := row[cols.ID]
		if !ok || idv == nil {
			return nil, fmt.Errorf("%w: row %d missing column %q", fiterr.ErrInvalidInput, i, cols.ID)
		}
		o.id = fmt.Sprint(idv)
		t, err := toFloat(row[cols.Time])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d column %q: %v", fiterr.ErrInvalidInput, i, cols.Time, err)
		}
		o.time = t
		c, err := toCount(row[cols.Count])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d column %q: %v", fiterr.ErrInvalidInput, i, cols.Count, err)
		}
		o.count = c
		n, err := toBool(row[cols.Neutral])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d column %q: %v", fiterr.ErrInvalidInput, i, cols.Neutral, err)
		}
		o.neutral = n
		if cols.Replicate != "" {
			rv, ok := row[cols.Replicate]
			if !ok || rv == nil {
				return nil, fmt.Errorf("%w: row %d missing column %q", fiterr.ErrInvalidInput, i, cols.Replicate)
			}
			o.rep = fmt.Sprint(rv)
		}
		obs = append(obs, o)
	}
	return obs, nil
}

func distinctTimes(obs []observation) []float64 {
	seen := make(map[float64]struct{})
	var out []float64
	for _, o := range obs {
		if _, ok := seen[o.time]; ok {
			continue
		}
		seen[o.time] = struct{}{}
		out = append(out, o.time)
	}
	sort.Float64s(out)
	return out
}

func distinctReplicates(obs []observation) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, o := range obs {
		if _, ok := seen[o.rep]; ok {
			continue
		}
		seen[o.rep] = struct{}{}
		out = append(out, o.rep)
	}
	// Sorted so replicate indices do not depend on row order.
	sort.Strings(out)
	return out
}

// groupLineages splits observations into neutral and mutant groups keyed by
// lineage id, preserving first-appearance order.
func groupLineages(obs []observation) (neutral, mutant []group, err error) {
	index := make(map[string]int)
	flag := make(map[string]bool)
	var all []group
	for _, o := range obs {
		i, ok := index[o.id]
		if !ok {
			i = len(all)
			index[o.id] = i
			flag[o.id] = o.neutral
			all = append(all, group{id: o.id})
		} else if flag[o.id] != o.neutral {
			return nil, nil, fmt.Errorf("%w: lineage %s is both neutral and mutant", fiterr.ErrInvalidInput, o.id)
		}
		all[i].rows = append(all[i].rows, o)
	}
	for _, g := range all {
		if flag[g.id] {
			neutral = append(neutral, g)
		} else {
			mutant = append(mutant, g)
		}
	}
	return neutral, mutant, nil
}

func checkGroup(g group, expected, nTimes int) error {
	if len(g.rows) != expected {
		return fmt.Errorf("%w: lineage %s has %d observations, expected %d", fiterr.ErrShapeMismatch, g.id, len(g.rows), expected)
	}
	sort.SliceStable(g.rows, func(i, j int) bool {
		if g.rows[i].rep != g.rows[j].rep {
			return g.rows[i].rep < g.rows[j].rep
		}
		return g.rows[i].time < g.rows[j].time
	})
	for i := 1; i < len(g.rows); i++ {
		if g.rows[i].rep == g.rows[i-1].rep && g.rows[i].time == g.rows[i-1].time {
			return fmt.Errorf("%w: lineage %s observed twice at time %v", fiterr.ErrShapeMismatch, g.id, g.rows[i].time)
		}
	}
	// Sorted rows are laid out replicate-major; every block must span all times.
	for start := 0; start < len(g.rows); start += nTimes {
		rep := g.rows[start].rep
		for k := start; k < start+nTimes; k++ {
			if g.rows[k].rep != rep {
				return fmt.Errorf("%w: lineage %s missing time points in replicate %s", fiterr.ErrShapeMismatch, g.id, rep)
			}
		}
	}
	return nil
}

func buildMatrices(neutral, mutant []group, nT, rep int) (rn, rm, rt *mat.Dense, totals []float64, err error) {
	rn = fill(neutral, nT, rep)
	if len(mutant) > 0 {
		rm = fill(mutant, nT, rep)
	}
	if rt, err = Stack(rn, rm); err != nil {
		return nil, nil, nil, nil, err
	}
	return rn, rm, rt, RowSums(rt), nil
}

func fill(groups []group, nT, rep int) *mat.Dense {
	m := mat.NewDense(nT, len(groups), nil)
	for j, g := range groups {
		block := g.rows[rep*nT : (rep+1)*nT]
		for t, o := range block {
			m.Set(t, j, o.count)
		}
	}
	return m
}

func groupIDs(groups []group) []string {
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.id
	}
	return ids
}

// RowSums returns the sum of each row of m.
func RowSums(m mat.Matrix) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := range out {
		out[i] = floats.Sum(mat.Row(nil, i, m))
	}
	return out
}

// Stack concatenates matrices horizontally. Nil entries are skipped, which
// is how a table without mutants yields R_total = R_neutral.
func Stack(blocks ...*mat.Dense) (*mat.Dense, error) {
	rows, width := -1, 0
	for _, b := range blocks {
		if b == nil {
			continue
		}
		r, c := b.Dims()
		if rows >= 0 && r != rows {
			return nil, fmt.Errorf("%w: cannot stack %d-row block onto %d rows", fiterr.ErrShapeMismatch, r, rows)
		}
		rows = r
		width += c
	}
	if rows < 0 {
		return nil, fmt.Errorf("%w: nothing to stack", fiterr.ErrInvalidInput)
	}
	out := mat.NewDense(rows, width, nil)
	col := 0
	for _, b := range blocks {
		if b == nil {
			continue
		}
		_, c := b.Dims()
		out.Slice(0, rows, col, col+c).(*mat.Dense).Copy(b)
		col += c
	}
	return out, nil
}

func isCount(v float64) bool {
	return v >= 0 && v == math.Trunc(v) && !math.IsInf(v, 0)
}
