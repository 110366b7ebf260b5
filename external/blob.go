package external

import (
	"context"
	"io"

	"github.com/juhinebhnani4/ldip/services/digitalocean"
)

// Blob is the object storage collaborator holding original document bytes
// and any derived artifacts (OCR text dumps, chunk payloads).
type Blob interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// SpacesBlob adapts the DigitalOcean Spaces S3-compatible client to the
// Blob collaborator contract.
type SpacesBlob struct {
	client *digitalocean.SpacesClient
}

// NewSpacesBlob wraps a configured Spaces client.
func NewSpacesBlob(client *digitalocean.SpacesClient) *SpacesBlob {
	return &SpacesBlob{client: client}
}

func (b *SpacesBlob) Upload(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	return b.client.UploadFile(ctx, key, data, contentType)
}

func (b *SpacesBlob) Download(ctx context.Context, key string) ([]byte, error) {
	return b.client.DownloadFile(ctx, key)
}

func (b *SpacesBlob) Delete(ctx context.Context, key string) error {
	return b.client.DeleteFile(ctx, key)
}

func (b *SpacesBlob) Exists(ctx context.Context, key string) (bool, error) {
	return b.client.FileExists(ctx, key)
}
