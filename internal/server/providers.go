package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/config"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/provider/httpjson"
	"github.com/JakeFAU/mediagen/internal/provider/openaiimage"
	"github.com/JakeFAU/mediagen/internal/provider/simulated"
	"github.com/JakeFAU/mediagen/internal/provider/veo"
	"github.com/JakeFAU/mediagen/internal/storage"
	gcsstorage "github.com/JakeFAU/mediagen/internal/storage/gcs"
	localstorage "github.com/JakeFAU/mediagen/internal/storage/local"
	storagememory "github.com/JakeFAU/mediagen/internal/storage/memory"
	s3storage "github.com/JakeFAU/mediagen/internal/storage/s3"
)

// NewAdapter builds the adapter named by pc.Kind. blobs receives inline image
// bytes from providers that return them.
func NewAdapter(pc config.ProviderConfig, blobs storage.BlobStore) (provider.Adapter, error) {
	switch pc.Kind {
	case config.KindSimulated:
		return simulated.New(pc.Simulated), nil
	case config.KindHTTPJSON:
		a, err := httpjson.New(pc.HTTPJSON, nil)
		if err != nil {
			return nil, fmt.Errorf("httpjson adapter: %w", err)
		}
		return a, nil
	case config.KindVeo:
		return veo.New(pc.Veo), nil
	case config.KindOpenAIImage:
		return openaiimage.New(pc.OpenAI, blobs), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// setupBlobs selects where asset manifests and uploaded media land. Object
// paths already carry cfg.Storage.Prefix, so backends get none of their own.
func (a *App) setupBlobs(ctx context.Context) (storage.BlobStore, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendGCS:
		blobs, err := gcsstorage.NewFromConfig(ctx, gcsstorage.Config{Bucket: sc.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs client", func(context.Context) error { return blobs.Close() })
		a.logger.Info("using GCS asset storage", zap.String("bucket", sc.GCS.Bucket))
		return blobs, nil
	case config.BackendS3:
		blobs, err := s3storage.New(ctx, s3storage.Config{
			Bucket:    sc.S3.Bucket,
			Region:    sc.S3.Region,
			Endpoint:  sc.S3.Endpoint,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Info("using S3 asset storage", zap.String("bucket", sc.S3.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: sc.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local asset storage", zap.String("path", sc.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory asset storage")
		return storagememory.NewBlobStore(), nil
	}
}
