package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bayesfitness/internal/catalog"
	"bayesfitness/internal/diagnostics"
	"bayesfitness/pkg/fiterr"
)

const countsCSV = `barcode,time,count,neutral
n1,0,120,true
n1,1,110,true
n1,2,100,true
n2,0,80,true
n2,1,70,true
n2,2,65,true
m1,0,100,false
m1,1,150,false
m1,2,210,false
`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BAYESFITNESS_BLOB_DRIVER", "fs")
	t.Setenv("BAYESFITNESS_BLOB_FS_ROOT", filepath.Join(dir, "artifacts"))
	t.Setenv("BAYESFITNESS_CATALOG_DRIVER", "sqlite")
	t.Setenv("BAYESFITNESS_SQLITE_PATH", filepath.Join(dir, "catalog.db"))
	t.Setenv("BAYESFITNESS_LOG_LEVEL", "error")
	data := filepath.Join(dir, "counts.csv")
	if err := os.WriteFile(data, []byte(countsCSV), 0o600); err != nil {
		t.Fatalf("write data: %v", err)
	}
	return data
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestFitVIThenSummariseBandsAndList(t *testing.T) {
	data := setupEnv(t)
	metrics := filepath.Join(t.TempDir(), "fit.prom")

	out, err := execute(t, "fit", "vi", "--data", data, "--name", "run1", "--iterations", "30", "--seed", "4", "--metrics-file", metrics)
	if err != nil {
		t.Fatalf("fit vi: %v\n%s", err, out)
	}
	var rec catalog.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode record: %v\n%s", err, out)
	}
	if rec.Status != catalog.StatusSucceeded || rec.Name != "run1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	prom, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(prom), "fit_advi") {
		t.Fatalf("metrics file lacks the fit operation:\n%s", prom)
	}

	if _, err := execute(t, "fit", "vi", "--data", data, "--name", "run1", "--iterations", "30"); !errors.Is(err, fiterr.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on second fit, got %v", err)
	}

	out, err = execute(t, "summary", "--name", "run1", "--data", data, "--draws", "200")
	if err != nil {
		t.Fatalf("summary: %v\n%s", err, out)
	}
	var summaries []diagnostics.Summary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(summaries) != rec.Dim {
		t.Fatalf("expected %d summaries, got %d", rec.Dim, len(summaries))
	}

	out, err = execute(t, "bands", "--name", "run1", "--data", data, "--levels", "0.5,0.9", "--draws", "200")
	if err != nil {
		t.Fatalf("bands: %v\n%s", err, out)
	}
	var bands bandsOutput
	if err := json.Unmarshal([]byte(out), &bands); err != nil {
		t.Fatalf("decode bands: %v", err)
	}
	if len(bands.Bounds) != 2 || len(bands.Bounds[0]) != 2 || !bands.Reordered {
		t.Fatalf("unexpected bands %+v", bands)
	}
	if bands.Levels[0] != 0.9 {
		t.Fatalf("levels not sorted descending: %v", bands.Levels)
	}

	out, err = execute(t, "runs", "--format", "human")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "run1") || !strings.Contains(out, "succeeded") {
		t.Fatalf("runs output missing record:\n%s", out)
	}
}

func TestFitPathfinderInvalidMode(t *testing.T) {
	data := setupEnv(t)
	if _, err := execute(t, "fit", "pathfinder", "--data", data, "--name", "pf", "--mode", "triple"); !errors.Is(err, fiterr.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestBandsRejectsShortPalette(t *testing.T) {
	data := setupEnv(t)
	if _, err := execute(t, "fit", "vi", "--data", data, "--name", "pal", "--iterations", "10"); err != nil {
		t.Fatalf("fit vi: %v", err)
	}
	_, err := execute(t, "bands", "--name", "pal", "--data", data, "--levels", "0.9,0.5", "--colors", "blue")
	if !errors.Is(err, fiterr.ErrInsufficientColors) {
		t.Fatalf("expected ErrInsufficientColors, got %v", err)
	}
}

func TestFitUsesFitFile(t *testing.T) {
	data := setupEnv(t)
	fitFile := filepath.Join(t.TempDir(), "fit.yaml")
	src := "model: joint_fitness\nvi:\n  family: fullrank\n  iterations: 15\n"
	if err := os.WriteFile(fitFile, []byte(src), 0o600); err != nil {
		t.Fatalf("write fit file: %v", err)
	}
	out, err := execute(t, "--config", fitFile, "fit", "vi", "--data", data, "--name", "joint")
	if err != nil {
		t.Fatalf("fit vi: %v\n%s", err, out)
	}
	var rec catalog.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Model != "joint_fitness" {
		t.Fatalf("expected joint model, got %s", rec.Model)
	}
	out, err = execute(t, "--config", fitFile, "bands", "--name", "joint", "--data", data, "--quantity", "mutant-fitness", "--draws", "100")
	if err != nil {
		t.Fatalf("bands: %v\n%s", err, out)
	}
}

func TestFitPathfinderKeepsJointModelWhenFitFileOmitsIt(t *testing.T) {
	data := setupEnv(t)
	fitFile := filepath.Join(t.TempDir(), "fit.yaml")
	if err := os.WriteFile(fitFile, []byte("pathfinder:\n  ndraws: 50\n"), 0o600); err != nil {
		t.Fatalf("write fit file: %v", err)
	}
	out, err := execute(t, "--config", fitFile, "fit", "pathfinder", "--data", data, "--name", "pf", "--seed", "2")
	if err != nil {
		t.Fatalf("fit pathfinder: %v\n%s", err, out)
	}
	var rec catalog.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode record: %v\n%s", err, out)
	}
	if rec.Model != "joint_fitness" {
		t.Fatalf("expected joint model, got %s", rec.Model)
	}

	out, err = execute(t, "--log-level", "warn", "--format", "human", "summary", "--name", "pf", "--draws", "500")
	if err != nil {
		t.Fatalf("summary: %v\n%s", err, out)
	}
	if !strings.Contains(out, "using fewer posterior draws than requested") || !strings.Contains(out, "available=50") {
		t.Fatalf("expected a draw cap warning, got:\n%s", out)
	}
}
