// Package artifact persists fitted posteriors. An artifact is written once:
// the store refuses to overwrite an existing output name.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"bayesfitness/internal/blob/core"
	"bayesfitness/internal/posterior"
	"bayesfitness/pkg/fiterr"
)

// Extension is appended to output names to form blob keys.
const Extension = ".json.zst"

// ContentType is recorded on every artifact blob.
const ContentType = "application/vnd.bayesfitness.posterior+json+zstd"

// Artifact is a persisted fit: the posterior together with the mutant
// lineage ids it was fitted against.
type Artifact struct {
	RunID      uuid.UUID          `json:"run_id"`
	Name       string             `json:"name"`
	Model      string             `json:"model"`
	Method     string             `json:"method"`
	MutantIDs  []string           `json:"mutant_ids"`
	NeutralIDs []string           `json:"neutral_ids,omitempty"`
	Labels     []string           `json:"labels"`
	Times      []float64          `json:"times,omitempty"`
	Posterior  posterior.Snapshot `json:"posterior"`
	ELBO       []float64          `json:"elbo,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Distribution restores the stored posterior.
func (a Artifact) Distribution() (posterior.Distribution, error) {
	return posterior.Restore(a.Posterior)
}

// Encode serialises a as zstd-compressed JSON.
func Encode(a Artifact) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// Decode reverses Encode.
func Decode(b []byte) (Artifact, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Artifact{}, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("decompress artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}

// Key maps an output name to its blob key.
func Key(name string) string {
	if strings.HasSuffix(name, Extension) {
		return name
	}
	return name + Extension
}

// Store reads and writes artifacts through a blob store.
type Store struct {
	blobs core.Store
}

// NewStore wraps a blob store.
func NewStore(blobs core.Store) *Store { return &Store{blobs: blobs} }

// Blobs returns the underlying blob store.
func (s *Store) Blobs() core.Store { return s.blobs }

// Exists reports whether an artifact named name has been written.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	return core.Exists(ctx, s.blobs, Key(name))
}

// Save writes a under a.Name. An existing artifact is left untouched and
// fiterr.ErrAlreadyProcessed is returned.
func (s *Store) Save(ctx context.Context, a Artifact) (core.Info, error) {
	if strings.TrimSpace(a.Name) == "" {
		return core.Info{}, fmt.Errorf("%w: artifact name is empty", fiterr.ErrInvalidInput)
	}
	b, err := Encode(a)
	if err != nil {
		return core.Info{}, err
	}
	info, err := s.blobs.Put(ctx, Key(a.Name), bytes.NewReader(b), core.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"run-id": a.RunID.String(),
			"model":  a.Model,
			"method": a.Method,
		},
	})
	if errors.Is(err, core.ErrExists) {
		return core.Info{}, fmt.Errorf("%w: %s", fiterr.ErrAlreadyProcessed, Key(a.Name))
	}
	return info, err
}

// Load reads the artifact stored under name.
func (s *Store) Load(ctx context.Context, name string) (Artifact, error) {
	_, rc, err := s.blobs.Get(ctx, Key(name))
	if err != nil {
		return Artifact{}, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return Artifact{}, err
	}
	return Decode(b)
}

// List returns the names of stored artifacts whose name has prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if strings.HasSuffix(info.Key, Extension) {
			names = append(names, strings.TrimSuffix(info.Key, Extension))
		}
	}
	return names, nil
}
