package s3

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, b)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-1"`)}, nil
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Bucket = "" }, false},
		{"valid", func(c *Config) { c.Enabled = true }, false},
		{"empty region", func(c *Config) { c.Enabled = true; c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Enabled = true; c.Bucket = "" }, true},
		{"bad sse", func(c *Config) { c.Enabled = true; c.ServerSideEncryption = "rot13" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStorageClassType(t *testing.T) {
	tests := map[string]types.StorageClass{
		"standard_ia":         types.StorageClassStandardIa,
		"INTELLIGENT_TIERING": types.StorageClassIntelligentTiering,
		"":                    types.StorageClassStandard,
		"unknown":             types.StorageClassStandard,
	}
	for name, want := range tests {
		cfg := Config{StorageClass: name}
		if got := cfg.StorageClassType(); got != want {
			t.Errorf("StorageClassType(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestUpload(t *testing.T) {
	fake := &fakePutter{}
	cfg := DefaultConfig()
	cfg.Prefix = "mttx/"
	cfg.ServerSideEncryption = "aws:kms"
	cfg.KMSKeyID = "key-1"
	c := NewClientWithAPI(fake, cfg, nil)

	out, err := c.Upload(context.Background(), UploadInput{
		Key:         "/acme/run.csv",
		Body:        []byte("a,b\n1,2\n"),
		ContentType: "text/csv",
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if out.Key != "mttx/acme/run.csv" {
		t.Errorf("Key = %q", out.Key)
	}
	if out.Location != "s3://secops-mttx-exports/mttx/acme/run.csv" {
		t.Errorf("Location = %q", out.Location)
	}
	if out.Size != 8 || out.ETag != `"etag-1"` {
		t.Errorf("out = %+v", out)
	}

	in := fake.inputs[0]
	if aws.ToString(in.ContentType) != "text/csv" {
		t.Errorf("ContentType = %q", aws.ToString(in.ContentType))
	}
	if in.ServerSideEncryption != types.ServerSideEncryptionAwsKms || aws.ToString(in.SSEKMSKeyId) != "key-1" {
		t.Errorf("encryption = %v %q", in.ServerSideEncryption, aws.ToString(in.SSEKMSKeyId))
	}
	if string(fake.bodies[0]) != "a,b\n1,2\n" {
		t.Errorf("body = %q", fake.bodies[0])
	}

	m := c.Metrics()
	if m.ObjectsUploaded != 1 || m.BytesUploaded != 8 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestUploadError(t *testing.T) {
	fake := &fakePutter{err: errors.New("denied")}
	c := NewClientWithAPI(fake, DefaultConfig(), nil)
	if _, err := c.Upload(context.Background(), UploadInput{Key: "k"}); err == nil {
		t.Fatal("Upload() error = nil, want error")
	}
	if c.Metrics().Errors != 1 {
		t.Errorf("Errors = %d, want 1", c.Metrics().Errors)
	}
}
