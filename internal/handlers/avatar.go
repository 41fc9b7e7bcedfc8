package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"stator/internal/config"
)

type avatarUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// AvatarCache downloads remote avatars, crops them to a square thumbnail and stores
// the result locally or in S3.
type AvatarCache struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	size       int
	uploader   avatarUploader
}

// NewAvatarCache picks S3 when a bucket is configured and the local directory otherwise.
func NewAvatarCache(ctx context.Context, cfg config.Config, client *http.Client) (*AvatarCache, error) {
	if client == nil {
		client = http.DefaultClient
	}
	c := &AvatarCache{
		httpClient: client,
		userAgent:  cfg.UserAgent,
		maxBytes:   cfg.ImageMaxBytes,
		size:       cfg.AvatarSize,
	}
	if c.maxBytes <= 0 {
		c.maxBytes = 10 * 1024 * 1024
	}
	if c.size <= 0 {
		c.size = 400
	}

	if cfg.ImageS3Bucket != "" {
		s3Client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.uploader = &s3Uploader{client: s3Client, bucket: cfg.ImageS3Bucket}
		return c, nil
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./media"
	}
	c.uploader = &localUploader{baseDir: baseDir}
	return c, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ImageS3PathStyle
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
	}), nil
}

// Cache stores a thumbnail of sourceURL under avatars/<key> and returns its location.
func (c *AvatarCache) Cache(ctx context.Context, key, sourceURL string) (string, error) {
	data, contentType, err := c.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode avatar: %w", err)
	}

	thumb := imaging.Fill(img, c.size, c.size, imaging.Center, imaging.Lanczos)
	outputFormat := chooseFormat(format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode avatar: %w", err)
	}

	objectKey := sanitizeKey(fmt.Sprintf("avatars/%s.%s", key, formatExtension(outputFormat)))
	location, err := c.uploader.Upload(ctx, objectKey, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	return location, nil
}

func (c *AvatarCache) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download avatar: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read avatar: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, "", fmt.Errorf("avatar too large (>%d bytes)", c.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Avatars keep transparency as PNG; everything else becomes JPEG.
func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png", "gif":
		return imaging.PNG
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	if strings.HasPrefix(key, "..") {
		return "", errors.New("key escapes the output directory")
	}
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
