package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"wasync/config"
)

const thumbnailSize = 320

// Mirror copies inbound media delivered inline by the gateway into a bucket
// so messages keep a stable media URL.
type Mirror struct {
	client *s3.Client
	cfg    config.S3Config
	now    func() time.Time
}

// NewMirror configures the S3 client.
func NewMirror(cfg config.S3Config) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	// Force path-style for buckets with dots in their names to avoid SSL certificate issues
	usePathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	cfg.PathStyle = usePathStyle

	log.Info().Str("bucket", cfg.Bucket).Str("region", cfg.Region).Str("endpoint", cfg.Endpoint).Msg("S3 client initialized")
	return &Mirror{client: client, cfg: cfg, now: time.Now}, nil
}

// Upload stores the media of one message and returns its public URL. Images
// get a thumbnail next to the original.
func (m *Mirror) Upload(ctx context.Context, instance, phone, messageID, mimeType, payload string) (string, error) {
	data, detected, err := DecodePayload(payload)
	if err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = detected
	}

	key := ObjectKey(instance, phone, messageID, mimeType, m.now())
	if err := m.put(ctx, key, data, mimeType); err != nil {
		return "", err
	}

	if strings.HasPrefix(mimeType, "image/") {
		if thumb, err := Thumbnail(data); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Skipping thumbnail")
		} else if err := m.put(ctx, strings.TrimSuffix(key, extension(mimeType))+"_thumb.jpg", thumb, "image/jpeg"); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to upload thumbnail")
		}
	}
	return m.PublicURL(key), nil
}

func (m *Mirror) put(ctx context.Context, key string, data []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(m.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(mimeType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).Str("key", key).Str("bucket", m.cfg.Bucket).Int("size", len(data)).Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().Str("key", key).Str("bucket", m.cfg.Bucket).Str("mimeType", mimeType).Int("size", len(data)).Msg("File successfully uploaded to S3")
	return nil
}

// PublicURL returns the URL under which key is served.
func (m *Mirror) PublicURL(key string) string {
	if m.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.cfg.PublicURL, "/"), m.cfg.Bucket, key)
	}
	if m.cfg.Endpoint != "" {
		if m.cfg.PathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.cfg.Endpoint, "/"), m.cfg.Bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(m.cfg.Endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", m.cfg.Bucket, strings.TrimRight(host, "/"), key)
	}
	if m.cfg.PathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", m.cfg.Region, m.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.cfg.Bucket, m.cfg.Region, key)
}

// Purge deletes every object mirrored for instance and returns how many.
func (m *Mirror) Purge(ctx context.Context, instance string) (int, error) {
	prefix := instancePrefix(instance)
	var (
		toDelete []types.ObjectIdentifier
		token    *string
		deleted  int
	)

	flush := func() error {
		if len(toDelete) == 0 {
			return nil
		}
		_, err := m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.cfg.Bucket),
			Delete: &types.Delete{Objects: toDelete},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects for instance %s: %w", instance, err)
		}
		deleted += len(toDelete)
		toDelete = nil
		return nil
	}

	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to list objects for instance %s: %w", instance, err)
		}
		for _, obj := range out.Contents {
			toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
			// S3 deletes at most 1000 keys per request.
			if len(toDelete) == 1000 {
				if err := flush(); err != nil {
					return deleted, err
				}
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	log.Info().Str("instance", instance).Int("objects", deleted).Msg("Mirrored media removed from S3")
	return deleted, nil
}

// DecodePayload accepts a data URL or bare base64 and returns the bytes and
// the declared content type, if any.
func DecodePayload(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, "", fmt.Errorf("empty media payload")
	}
	if strings.HasPrefix(payload, "data:") {
		du, err := dataurl.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("invalid data url: %w", err)
		}
		return du.Data, du.MediaType.ContentType(), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 media: %w", err)
	}
	return data, "", nil
}

// Thumbnail scales an image to fit thumbnailSize and encodes it as JPEG.
func Thumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	thumb := resize.Thumbnail(thumbnailSize, thumbnailSize, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func instancePrefix(instance string) string {
	return "instances/" + sanitize(instance) + "/"
}

// ObjectKey lays objects out per instance, contact and day.
func ObjectKey(instance, phone, messageID, mimeType string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%s/%s/%s/%s%s",
		instancePrefix(instance), sanitize(phone), at.Format("2006/01/02"), folder(mimeType), sanitize(messageID), extension(mimeType))
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "@", "_", ":", "_", "..", "_").Replace(s)
}

func folder(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	}
	return "documents"
}

func extension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	}
	return ".bin"
}
