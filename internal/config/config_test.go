package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bayesfitness/internal/blob"
	"bayesfitness/internal/catalog"
	"bayesfitness/internal/model"
	"bayesfitness/internal/pathfinder"
	"bayesfitness/internal/posterior"
	"bayesfitness/internal/vi"
	"bayesfitness/pkg/fiterr"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"BAYESFITNESS_BLOB_DRIVER", "BAYESFITNESS_CATALOG_DRIVER", "BAYESFITNESS_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	env := FromEnv()
	if env.Blob.Driver != blob.DriverFilesystem {
		t.Fatalf("expected fs blob default, got %q", env.Blob.Driver)
	}
	if env.Catalog.Driver != catalog.DriverSQLite {
		t.Fatalf("expected sqlite catalog default, got %q", env.Catalog.Driver)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BAYESFITNESS_BLOB_DRIVER", "S3")
	t.Setenv("BAYESFITNESS_BLOB_S3_BUCKET", "fits")
	t.Setenv("BAYESFITNESS_BLOB_S3_REGION", "eu-west-1")
	t.Setenv("BAYESFITNESS_BLOB_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("BAYESFITNESS_BLOB_S3_PREFIX", "runs")
	t.Setenv("BAYESFITNESS_BLOB_S3_PATH_STYLE", "TRUE")
	t.Setenv("BAYESFITNESS_CATALOG_DRIVER", "postgres")
	t.Setenv("BAYESFITNESS_POSTGRES_DSN", "postgres://db/fits")
	t.Setenv("BAYESFITNESS_LOG_LEVEL", "debug")

	env := FromEnv()
	if env.Blob.Driver != blob.DriverS3 {
		t.Fatalf("unexpected blob driver %q", env.Blob.Driver)
	}
	s3 := env.Blob.S3
	if s3.Bucket != "fits" || s3.Region != "eu-west-1" || s3.Endpoint != "http://localhost:9000" || s3.Prefix != "runs" || !s3.PathStyle {
		t.Fatalf("unexpected s3 config %+v", s3)
	}
	if env.Catalog.Driver != catalog.DriverPostgres || env.Catalog.PostgresDSN != "postgres://db/fits" {
		t.Fatalf("unexpected catalog config %+v", env.Catalog)
	}
	if env.LogLevel != "debug" {
		t.Fatalf("unexpected log level %q", env.LogLevel)
	}
}

func TestParseFitFileLayersOverDefaults(t *testing.T) {
	src := `
model: joint_fitness
drop_first_time: true
columns:
  id: bc
hyperparameters:
  mean_fitness_prior: {mean: 0.5, std: 2}
vi:
  family: fullrank
  iterations: 500
  optimizer: adam
pathfinder:
  mode: multi
  runs: 8
levels: [0.9, 0.5]
`
	ff, err := ParseFitFile(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseFitFile: %v", err)
	}
	d, err := ff.Descriptor(model.PopulationMeanFitness)
	if err != nil || d != model.JointFitness {
		t.Fatalf("descriptor %+v err %v", d, err)
	}
	cols := ff.TidyColumns()
	if cols.ID != "bc" || cols.Time != "time" || cols.Count != "count" || cols.Neutral != "neutral" {
		t.Fatalf("unexpected columns %+v", cols)
	}
	if !ff.DropFirstTime {
		t.Fatalf("expected drop_first_time")
	}
	want := model.DefaultHyperparameters()
	want.MeanFitness = model.Prior{Mean: 0.5, Std: 2}
	if diff := cmp.Diff(want, ff.Hyperparameters); diff != "" {
		t.Fatalf("hyperparameters mismatch (-want +got):\n%s", diff)
	}

	vc := ff.VIConfig()
	if vc.Family != posterior.FullRank || vc.Iterations != 500 || vc.SamplesPerStep != 1 || vc.Optimizer != vi.AdamKind {
		t.Fatalf("unexpected vi config %+v", vc)
	}
	pc := ff.PathfinderConfig()
	if pc.Mode != pathfinder.Multi || pc.Runs != 8 || pc.NDraws != 1000 || pc.HistoryLength != 6 {
		t.Fatalf("unexpected pathfinder config %+v", pc)
	}
	if diff := cmp.Diff([]float64{0.9, 0.5}, ff.Levels); diff != "" {
		t.Fatalf("levels mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFitFileEmptyKeepsDefaults(t *testing.T) {
	ff, err := ParseFitFile(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ParseFitFile: %v", err)
	}
	if diff := cmp.Diff(DefaultFitFile(), ff); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestFitFileDescriptorFallsBackWhenModelUnset(t *testing.T) {
	ff, err := ParseFitFile(strings.NewReader("pathfinder:\n  ndraws: 50\n"))
	if err != nil {
		t.Fatalf("ParseFitFile: %v", err)
	}
	if ff.Model != "" {
		t.Fatalf("model should stay unset, got %q", ff.Model)
	}
	for _, fallback := range []model.Descriptor{model.PopulationMeanFitness, model.JointFitness} {
		d, err := ff.Descriptor(fallback)
		if err != nil || d != fallback {
			t.Fatalf("fallback %s: got %+v err %v", fallback.Name, d, err)
		}
	}
	if ff.Pathfinder.NDraws != 50 {
		t.Fatalf("ndraws %d", ff.Pathfinder.NDraws)
	}
}

func TestParseFitFileRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "iterations: 10\n",
		"unknown model": "model: nope\n",
		"bad type":      "vi:\n  iterations: many\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseFitFile(strings.NewReader(src)); !errors.Is(err, fiterr.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestLoadFitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fit.yaml")
	if err := os.WriteFile(path, []byte("model: replicate_population_mean_fitness\ncolumns:\n  replicate: rep\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ff, err := LoadFitFile(path)
	if err != nil {
		t.Fatalf("LoadFitFile: %v", err)
	}
	if ff.TidyColumns().Replicate != "rep" || ff.Model != model.ReplicatePopulationMeanFitness.Name {
		t.Fatalf("unexpected fit file %+v", ff)
	}
	if _, err := LoadFitFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
