package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"bayesfitness/internal/model"
	"bayesfitness/internal/pathfinder"
	"bayesfitness/internal/posterior"
	"bayesfitness/internal/tidy"
	"bayesfitness/internal/vi"
	"bayesfitness/pkg/fiterr"
)

// ColumnSettings names the tidy table columns.
type ColumnSettings struct {
	ID        string `yaml:"id"`
	Time      string `yaml:"time"`
	Count     string `yaml:"count"`
	Neutral   string `yaml:"neutral"`
	Replicate string `yaml:"replicate"`
}

// VISettings mirrors vi.Config.
type VISettings struct {
	Family         string  `yaml:"family"`
	Iterations     int     `yaml:"iterations"`
	SamplesPerStep int     `yaml:"samples_per_step"`
	Optimizer      string  `yaml:"optimizer"`
	StepSize       float64 `yaml:"step_size"`
	Seed           uint64  `yaml:"seed"`
	LogEvery       int     `yaml:"log_every"`
}

// PathfinderSettings mirrors pathfinder.Config.
type PathfinderSettings struct {
	Mode          string  `yaml:"mode"`
	NDraws        int     `yaml:"ndraws"`
	Runs          int     `yaml:"runs"`
	MaxIterations int     `yaml:"max_iterations"`
	HistoryLength int     `yaml:"history_length"`
	ELBODraws     int     `yaml:"elbo_draws"`
	InitRadius    float64 `yaml:"init_radius"`
	Seed          uint64  `yaml:"seed"`
}

// FitFile is the on-disk description of a fit.
type FitFile struct {
	Model           string                `yaml:"model"`
	Columns         ColumnSettings        `yaml:"columns"`
	DropFirstTime   bool                  `yaml:"drop_first_time"`
	Hyperparameters model.Hyperparameters `yaml:"hyperparameters"`
	VI              VISettings            `yaml:"vi"`
	Pathfinder      PathfinderSettings    `yaml:"pathfinder"`
	Levels          []float64             `yaml:"levels"`
}

// DefaultFitFile returns the settings used for keys a file leaves out.
func DefaultFitFile() FitFile {
	cols := tidy.DefaultColumns()
	vc := vi.DefaultConfig()
	pc := pathfinder.DefaultConfig()
	return FitFile{
		Columns:         ColumnSettings{ID: cols.ID, Time: cols.Time, Count: cols.Count, Neutral: cols.Neutral},
		Hyperparameters: model.DefaultHyperparameters(),
		VI: VISettings{
			Family:         string(vc.Family),
			Iterations:     vc.Iterations,
			SamplesPerStep: vc.SamplesPerStep,
			Optimizer:      string(vc.Optimizer),
		},
		Pathfinder: PathfinderSettings{
			Mode:          string(pc.Mode),
			NDraws:        pc.NDraws,
			Runs:          pc.Runs,
			MaxIterations: pc.MaxIterations,
			HistoryLength: pc.HistoryLength,
			ELBODraws:     pc.ELBODraws,
			InitRadius:    pc.InitRadius,
		},
		Levels: []float64{0.95, 0.68, 0.05},
	}
}

// LoadFitFile reads a fit file from path, layered over DefaultFitFile.
func LoadFitFile(path string) (FitFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return FitFile{}, fmt.Errorf("open fit file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseFitFile(f)
}

// ParseFitFile decodes a fit file. Unknown keys are rejected.
func ParseFitFile(r io.Reader) (FitFile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return FitFile{}, fmt.Errorf("read fit file: %w", err)
	}
	ff := DefaultFitFile()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&ff); err != nil && !errors.Is(err, io.EOF) {
		return FitFile{}, fmt.Errorf("%w: decode fit file: %v", fiterr.ErrInvalidInput, err)
	}
	if ff.Model != "" {
		if _, err := model.Lookup(ff.Model); err != nil {
			return FitFile{}, err
		}
	}
	return ff, nil
}

// TidyColumns converts the column settings.
func (f FitFile) TidyColumns() tidy.Columns {
	return tidy.Columns{
		ID:        f.Columns.ID,
		Time:      f.Columns.Time,
		Count:     f.Columns.Count,
		Neutral:   f.Columns.Neutral,
		Replicate: f.Columns.Replicate,
	}
}

// Descriptor resolves the configured model, or returns fallback when the
// file does not name one.
func (f FitFile) Descriptor(fallback model.Descriptor) (model.Descriptor, error) {
	if f.Model == "" {
		return fallback, nil
	}
	return model.Lookup(f.Model)
}

// VIConfig converts the vi settings. Logger and metrics are left for the caller.
func (f FitFile) VIConfig() vi.Config {
	return vi.Config{
		Family:         posterior.Family(f.VI.Family),
		Iterations:     f.VI.Iterations,
		SamplesPerStep: f.VI.SamplesPerStep,
		Optimizer:      vi.OptimizerKind(f.VI.Optimizer),
		StepSize:       f.VI.StepSize,
		Seed:           f.VI.Seed,
		LogEvery:       f.VI.LogEvery,
	}
}

// PathfinderConfig converts the pathfinder settings.
func (f FitFile) PathfinderConfig() pathfinder.Config {
	return pathfinder.Config{
		Mode:          pathfinder.Mode(f.Pathfinder.Mode),
		NDraws:        f.Pathfinder.NDraws,
		Runs:          f.Pathfinder.Runs,
		MaxIterations: f.Pathfinder.MaxIterations,
		HistoryLength: f.Pathfinder.HistoryLength,
		ELBODraws:     f.Pathfinder.ELBODraws,
		InitRadius:    f.Pathfinder.InitRadius,
		Seed:          f.Pathfinder.Seed,
	}
}
