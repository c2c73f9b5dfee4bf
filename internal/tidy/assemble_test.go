package tidy

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bayesfitness/pkg/fiterr"
)

func twoLineageTable() Table {
	var tb Table
	neutral := []int{100, 100, 100}
	mutant := []int{100, 150, 200}
	for t := 0; t < 3; t++ {
		tb = append(tb,
			Row{"barcode": "n1", "time": t, "count": neutral[t], "neutral": true},
			Row{"barcode": "m1", "time": t, "count": mutant[t], "neutral": false},
		)
	}
	return tb
}

func TestAssemble_TwoLineageScenario(t *testing.T) {
	arr, err := Assemble(twoLineageTable(), DefaultColumns(), Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	wantN := mat.NewDense(3, 1, []float64{100, 100, 100})
	wantM := mat.NewDense(3, 1, []float64{100, 150, 200})
	if !mat.Equal(arr.RNeutral, wantN) {
		t.Fatalf("unexpected neutral matrix %v", mat.Formatted(arr.RNeutral))
	}
	if !mat.Equal(arr.RMutant, wantM) {
		t.Fatalf("unexpected mutant matrix %v", mat.Formatted(arr.RMutant))
	}
	if diff := cmp.Diff([]float64{200, 250, 300}, arr.Totals); diff != "" {
		t.Fatalf("totals mismatch (-want +got):\n%s", diff)
	}
	if arr.NNeutral != 1 || arr.NMut != 1 {
		t.Fatalf("unexpected group sizes %d/%d", arr.NNeutral, arr.NMut)
	}
	if diff := cmp.Diff([]string{"m1"}, arr.MutantIDs); diff != "" {
		t.Fatalf("mutant ids (-want +got):\n%s", diff)
	}
}

func TestAssemble_TotalsEqualRowSums(t *testing.T) {
	var tb Table
	ids := []string{"a", "b", "c", "d", "e"}
	for ti := 0; ti < 4; ti++ {
		for i, id := range ids {
			tb = append(tb, Row{"barcode": id, "time": float64(ti), "count": (i + 1) * (ti + 3), "neutral": i < 2})
		}
	}
	arr, err := Assemble(tb, DefaultColumns(), Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	r, _ := arr.RTotal.Dims()
	for i := 0; i < r; i++ {
		if got := floats.Sum(mat.Row(nil, i, arr.RTotal)); got != arr.Totals[i] {
			t.Fatalf("row %d sum %v != total %v", i, got, arr.Totals[i])
		}
	}
	_, c := arr.RTotal.Dims()
	if c != arr.NNeutral+arr.NMut {
		t.Fatalf("total width %d, want %d", c, arr.NNeutral+arr.NMut)
	}
}

func TestAssemble_MissingObservation(t *testing.T) {
	tb := twoLineageTable()
	tb = tb[:len(tb)-1] // drop m1 at the last time
	_, err := Assemble(tb, DefaultColumns(), Options{})
	if !errors.Is(err, fiterr.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestAssemble_DuplicateObservation(t *testing.T) {
	tb := twoLineageTable()
	// m1 at time 0 twice, never at time 2
	tb[5] = Row{"barcode": "m1", "time": 0, "count": 5, "neutral": false}
	_, err := Assemble(tb, DefaultColumns(), Options{})
	if !errors.Is(err, fiterr.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestAssemble_DropFirstTime(t *testing.T) {
	arr, err := Assemble(twoLineageTable(), DefaultColumns(), Options{DropFirstTime: true})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 2}, arr.Times); diff != "" {
		t.Fatalf("times (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{250, 300}, arr.Totals); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}
}

func TestAssemble_Replicates(t *testing.T) {
	var tb Table
	for _, rep := range []string{"r2", "r1"} {
		for ti := 0; ti < 3; ti++ {
			base := 10
			if rep == "r2" {
				base = 20
			}
			tb = append(tb,
				Row{"barcode": "n", "time": ti, "count": base, "neutral": true, "rep": rep},
				Row{"barcode": "m", "time": ti, "count": base + ti, "neutral": false, "rep": rep},
			)
		}
	}
	cols := DefaultColumns()
	cols.Replicate = "rep"
	arr, err := Assemble(tb, cols, Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !arr.HasReplicates() || len(arr.Replicates) != 2 {
		t.Fatalf("expected two replicates, got %d", len(arr.Replicates))
	}
	if arr.RTotal != nil {
		t.Fatalf("top-level matrix should be nil when replicates are stacked")
	}
	if arr.Replicates[0].ID != "r1" || arr.Replicates[1].ID != "r2" {
		t.Fatalf("unexpected replicate order %s %s", arr.Replicates[0].ID, arr.Replicates[1].ID)
	}
	if diff := cmp.Diff([]float64{40, 41, 42}, arr.Replicates[1].Totals); diff != "" {
		t.Fatalf("r2 totals (-want +got):\n%s", diff)
	}
}

func TestAssemble_InvalidCells(t *testing.T) {
	cases := map[string]Row{
		"negative count": {"barcode": "x", "time": 0, "count": -1, "neutral": true},
		"fractional":     {"barcode": "x", "time": 0, "count": 1.5, "neutral": true},
		"bad neutral":    {"barcode": "x", "time": 0, "count": 1, "neutral": "maybe"},
		"missing id":     {"time": 0, "count": 1, "neutral": true},
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Assemble(Table{row}, DefaultColumns(), Options{})
			if !errors.Is(err, fiterr.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestReadCSV(t *testing.T) {
	src := "barcode,time,count,neutral\n" +
		"n1,0,100,true\nm1,0,100,false\n" +
		"n1,1,100,true\nm1,1,150,false\n" +
		"n1,2,100,true\nm1,2,200,false\n"
	tb, err := ReadCSV(strings.NewReader(src))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	arr, err := Assemble(tb, DefaultColumns(), Options{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if diff := cmp.Diff([]float64{200, 250, 300}, arr.Totals); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}
}

func TestStack(t *testing.T) {
	a := mat.NewDense(2, 1, []float64{1, 2})
	b := mat.NewDense(2, 2, []float64{3, 4, 5, 6})
	got, err := Stack(a, nil, b)
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	want := mat.NewDense(2, 3, []float64{1, 3, 4, 2, 5, 6})
	if !mat.Equal(got, want) {
		t.Fatalf("unexpected stack %v", mat.Formatted(got))
	}
	if _, err := Stack(a, mat.NewDense(3, 1, nil)); !errors.Is(err, fiterr.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}
