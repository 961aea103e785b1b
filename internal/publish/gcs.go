package publish

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	adst "go.airbusds-geo.com/gcp/storage"
)

// GCS is a Store backed by Google Cloud Storage.
type GCS struct {
	stcl   *storage.Client
	adstcl *adst.Client
}

func NewGCS(ctx context.Context, stcl *storage.Client) (*GCS, error) {
	adstcl, err := adst.New(ctx, adst.WithStorageClient(stcl))
	if err != nil {
		return nil, fmt.Errorf("ads storage.new: %w", err)
	}
	return &GCS{stcl: stcl, adstcl: adstcl}, nil
}

func (g *GCS) object(dst string) (*storage.ObjectHandle, error) {
	b, o, err := adst.Parse(dst)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", dst, err)
	}
	return g.stcl.Bucket(b).Object(o), nil
}

func (g *GCS) Exists(ctx context.Context, dst string) (bool, error) {
	obj, err := g.object(dst)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (g *GCS) UploadFromFile(ctx context.Context, dst, src string) error {
	return g.adstcl.UploadFromFile(ctx, dst, src)
}

func (g *GCS) Write(ctx context.Context, dst string, data []byte) error {
	obj, err := g.object(dst)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
