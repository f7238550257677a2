package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	storage_go "github.com/supabase-community/storage-go"
)

// SupabaseStore uploads snapshots to a Supabase Storage bucket.
type SupabaseStore struct {
	client *storage_go.Client
	bucket string
}

// NewSupabaseStore connects to the storage API of a Supabase project.
func NewSupabaseStore(projectURL, apiKey, bucket string) (*SupabaseStore, error) {
	if projectURL == "" || apiKey == "" || bucket == "" {
		return nil, errors.New("supabase url, key and bucket are required")
	}
	client := storage_go.NewClient(projectURL+"/storage/v1", apiKey, nil)
	return &SupabaseStore{client: client, bucket: bucket}, nil
}

// Put uploads the image and returns its public URL.
func (s *SupabaseStore) Put(ctx context.Context, key string, img Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ct := img.ContentType
	if _, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(img.Data), storage_go.FileOptions{ContentType: &ct}); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	return s.client.GetPublicUrl(s.bucket, key).SignedURL, nil
}
