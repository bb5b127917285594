package packager

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"

	"github.com/formforge/formforge/internal/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Artifact is one generated per-row PDF to include in the archive.
type Artifact struct {
	Name string
	Ref  string
}

// PackagingError distinguishes "the PDFs were made but could not be
// zipped" from a generation failure.
type PackagingError struct {
	Err error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("packaging failed: %v", e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

type Params struct {
	fx.In

	Log   *zap.Logger
	Store storage.Store
}

type Packager struct {
	log   *zap.Logger
	store storage.Store
}

func New(p Params) *Packager {
	return &Packager{
		log:   p.Log.Named("packager"),
		store: p.Store,
	}
}

// Pack assembles the successful artifacts into one ZIP, stores it, and
// removes the per-row intermediates. The intermediates are recoverable by
// re-running the job; they are not durable state.
func (p *Packager) Pack(ctx context.Context, jobKey string, artifacts []Artifact) (string, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	for _, artifact := range artifacts {
		if err := ctx.Err(); err != nil {
			return "", &PackagingError{Err: err}
		}

		data, err := p.store.Read(ctx, artifact.Ref)
		if err != nil {
			return "", &PackagingError{Err: fmt.Errorf("read %s: %w", artifact.Ref, err)}
		}
		entry, err := writer.Create(artifact.Name)
		if err != nil {
			return "", &PackagingError{Err: err}
		}
		if _, err := entry.Write(data); err != nil {
			return "", &PackagingError{Err: err}
		}
	}
	if err := writer.Close(); err != nil {
		return "", &PackagingError{Err: err}
	}

	ref, err := p.store.Save(ctx, jobKey+"/output.zip", buf.Bytes())
	if err != nil {
		return "", &PackagingError{Err: err}
	}

	for _, artifact := range artifacts {
		if err := p.store.Delete(ctx, artifact.Ref); err != nil {
			p.log.Warn("failed to delete row artifact",
				zap.String("ref", artifact.Ref), zap.Error(err))
		}
	}
	return ref, nil
}

var Module = fx.Module("packager",
	fx.Provide(New),
)
