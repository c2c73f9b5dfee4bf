package fit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"bayesfitness/internal/artifact"
	"bayesfitness/internal/blob"
	"bayesfitness/internal/catalog"
	"bayesfitness/internal/model"
	"bayesfitness/internal/pathfinder"
	"bayesfitness/internal/posterior"
	"bayesfitness/internal/tidy"
	"bayesfitness/internal/vi"
	"bayesfitness/pkg/fiterr"
)

var counts = map[string][]int{
	"n1": {120, 110, 100},
	"n2": {80, 70, 65},
	"m1": {100, 150, 210},
}

func assayTable(replicates ...string) tidy.Table {
	if len(replicates) == 0 {
		replicates = []string{""}
	}
	var tb tidy.Table
	for ri, rep := range replicates {
		for _, id := range []string{"n1", "n2", "m1"} {
			for t, c := range counts[id] {
				row := tidy.Row{"barcode": id, "time": t, "count": c + 5*ri, "neutral": id[0] == 'n'}
				if rep != "" {
					row["replicate"] = rep
				}
				tb = append(tb, row)
			}
		}
	}
	return tb
}

func newTestDriver(t *testing.T) (*Driver, *artifact.Store, catalog.Store) {
	t.Helper()
	arts := artifact.NewStore(blob.NewMemory())
	cat := catalog.NewMemory()
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return NewDriver(arts, WithCatalog(cat), WithClock(func() time.Time { return clock })), arts, cat
}

func viRequest(name string) VIRequest {
	return VIRequest{
		Name:   name,
		Input:  Input{Table: assayTable(), Columns: tidy.DefaultColumns()},
		Config: vi.Config{Iterations: 40, SamplesPerStep: 1, Seed: 3},
	}
}

func TestFitVariationalPersistsArtifactAndRecord(t *testing.T) {
	ctx := context.Background()
	d, arts, cat := newTestDriver(t)

	out, err := d.FitVariational(ctx, viRequest("meanfield"))
	if err != nil {
		t.Fatalf("FitVariational: %v", err)
	}
	stored, err := arts.Load(ctx, "meanfield")
	if err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if diff := cmp.Diff([]string{"m1"}, stored.MutantIDs); diff != "" {
		t.Fatalf("mutant ids (-want +got):\n%s", diff)
	}
	if stored.Model != model.PopulationMeanFitness.Name || stored.Method != MethodADVI {
		t.Fatalf("unexpected artifact model/method %s/%s", stored.Model, stored.Method)
	}
	if len(stored.Labels) != out.Model.Dim() || len(stored.ELBO) != 40 {
		t.Fatalf("labels %d (dim %d), elbo %d", len(stored.Labels), out.Model.Dim(), len(stored.ELBO))
	}
	dist, err := stored.Distribution()
	if err != nil || dist.Family() != posterior.MeanField {
		t.Fatalf("restored distribution %v err %v", dist, err)
	}

	rec, err := cat.Get(ctx, out.Record.RunID)
	if err != nil {
		t.Fatalf("catalog get: %v", err)
	}
	if rec.Status != catalog.StatusSucceeded || rec.ArtifactKey != artifact.Key("meanfield") || rec.NumMutants != 1 || rec.BlobDriver != "memory" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.RunID != stored.RunID {
		t.Fatalf("record run id %s differs from artifact %s", rec.RunID, stored.RunID)
	}
}

func TestFitVariationalSecondCallIsAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	d, arts, cat := newTestDriver(t)
	if _, err := d.FitVariational(ctx, viRequest("once")); err != nil {
		t.Fatalf("first fit: %v", err)
	}
	before, err := arts.Blobs().Head(ctx, artifact.Key("once"))
	if err != nil {
		t.Fatalf("head: %v", err)
	}

	req := viRequest("once")
	req.Config.Family = posterior.FullRank
	if _, err := d.FitVariational(ctx, req); !errors.Is(err, fiterr.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	after, err := arts.Blobs().Head(ctx, artifact.Key("once"))
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if before.ETag != after.ETag || before.Size != after.Size {
		t.Fatalf("artifact modified: %+v -> %+v", before, after)
	}
	runs, _ := cat.List(ctx, catalog.Filter{})
	if len(runs) != 1 {
		t.Fatalf("expected one catalog record, got %d", len(runs))
	}
}

func TestFitPathfinderRejectsInvalidModeBeforeModelWork(t *testing.T) {
	ctx := context.Background()
	d, arts, cat := newTestDriver(t)
	// An empty table would fail assembly; the mode check must come first.
	req := PathfinderRequest{Name: "triple", Config: pathfinder.Config{Mode: "triple"}}
	if _, err := d.FitPathfinder(ctx, req); !errors.Is(err, fiterr.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if ok, _ := arts.Exists(ctx, "triple"); ok {
		t.Fatalf("artifact written for invalid mode")
	}
	if runs, _ := cat.List(ctx, catalog.Filter{}); len(runs) != 0 {
		t.Fatalf("catalog touched for invalid mode: %+v", runs)
	}
}

func TestFitPathfinderSinglePath(t *testing.T) {
	ctx := context.Background()
	d, arts, _ := newTestDriver(t)
	out, err := d.FitPathfinder(ctx, PathfinderRequest{
		Name:  "pathfinder",
		Input: Input{Table: assayTable(), Columns: tidy.DefaultColumns()},
		Config: pathfinder.Config{
			Mode:          pathfinder.Single,
			NDraws:        50,
			MaxIterations: 200,
			ELBODraws:     5,
			Seed:          11,
		},
	})
	if err != nil {
		t.Fatalf("FitPathfinder: %v", err)
	}
	if out.Model.Name() != model.JointFitness.Name || out.Record.Method != "pathfinder_single" {
		t.Fatalf("unexpected model/method %s/%s", out.Model.Name(), out.Record.Method)
	}
	stored, err := arts.Load(ctx, "pathfinder")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Posterior.Family != posterior.Mixture || stored.Posterior.DrawRows != 50 {
		t.Fatalf("unexpected posterior snapshot family=%s rows=%d", stored.Posterior.Family, stored.Posterior.DrawRows)
	}
	if diff := cmp.Diff([]string{"m1"}, stored.MutantIDs); diff != "" {
		t.Fatalf("mutant ids (-want +got):\n%s", diff)
	}
}

func TestReplicateModelNeedsReplicateColumn(t *testing.T) {
	ctx := context.Background()
	d, _, cat := newTestDriver(t)
	req := viRequest("replicates")
	req.Model = model.ReplicatePopulationMeanFitness
	if _, err := d.FitVariational(ctx, req); !errors.Is(err, fiterr.ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
	if runs, _ := cat.List(ctx, catalog.Filter{}); len(runs) != 0 {
		t.Fatalf("unexpected catalog records %+v", runs)
	}

	cols := tidy.DefaultColumns()
	cols.Replicate = "replicate"
	req.Input = Input{Table: assayTable("r1", "r2"), Columns: cols}
	out, err := d.FitVariational(ctx, req)
	if err != nil {
		t.Fatalf("replicate fit: %v", err)
	}
	if out.Model.NumReplicates() != 2 {
		t.Fatalf("expected 2 replicates, got %d", out.Model.NumReplicates())
	}
}

func TestFitVariationalRejectsUnknownSettings(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDriver(t)
	req := viRequest("bad-family")
	req.Config.Family = "banana"
	if _, err := d.FitVariational(ctx, req); !errors.Is(err, fiterr.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	req = viRequest("bad-optimizer")
	req.Config.Optimizer = "sgd"
	if _, err := d.FitVariational(ctx, req); !errors.Is(err, fiterr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := d.FitVariational(ctx, viRequest(" ")); !errors.Is(err, fiterr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
}

func TestFailedFitIsRecorded(t *testing.T) {
	d, arts, cat := newTestDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := d.FitVariational(ctx, viRequest("cancelled"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.Record.Status != catalog.StatusFailed {
		t.Fatalf("expected failed record, got %+v", out.Record)
	}
	if ok, _ := arts.Exists(context.Background(), "cancelled"); ok {
		t.Fatalf("artifact written for failed fit")
	}
	runs, _ := cat.List(context.Background(), catalog.Filter{Status: catalog.StatusFailed})
	if len(runs) != 1 || runs[0].Error == "" {
		t.Fatalf("expected one failed record with error, got %+v", runs)
	}
}

func TestAssemblyErrorsPropagate(t *testing.T) {
	d, _, _ := newTestDriver(t)
	tb := assayTable()
	tb = tb[:len(tb)-1]
	req := viRequest("gappy")
	req.Input.Table = tb
	if _, err := d.FitVariational(context.Background(), req); !errors.Is(err, fiterr.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
