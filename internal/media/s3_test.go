package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/config"
)

func pngBytes(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodePayload(t *testing.T) {
	raw := pngBytes(t, 4, 4)

	data, ct, err := DecodePayload("data:image/png;base64," + base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, data)
	assert.Equal(t, "image/png", ct)

	data, ct, err = DecodePayload(base64.StdEncoding.EncodeToString([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Empty(t, ct)

	_, _, err = DecodePayload("")
	assert.Error(t, err)
	_, _, err = DecodePayload("%%%not-base64")
	assert.Error(t, err)
}

func TestThumbnailFitsBounds(t *testing.T) {
	thumb, err := Thumbnail(pngBytes(t, 1280, 640))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), thumbnailSize)
	assert.LessOrEqual(t, img.Bounds().Dy(), thumbnailSize)

	_, err = Thumbnail([]byte("not an image"))
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	key := ObjectKey("main", "5548999999999", "ABC:1", "image/jpeg", at)
	assert.Equal(t, "instances/main/5548999999999/2024/02/03/images/ABC_1.jpg", key)

	key = ObjectKey("main", "5548999999999", "DOC", "application/pdf", at)
	assert.Equal(t, "instances/main/5548999999999/2024/02/03/documents/DOC.pdf", key)
}

func TestPublicURL(t *testing.T) {
	m, err := NewMirror(config.S3Config{Bucket: "media", Region: "us-east-1", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "https://media.s3.us-east-1.amazonaws.com/k", m.PublicURL("k"))

	m, err = NewMirror(config.S3Config{Bucket: "media", Region: "auto", AccessKey: "a", SecretKey: "s", Endpoint: "http://minio:9000", PathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/media/k", m.PublicURL("k"))

	m, err = NewMirror(config.S3Config{Bucket: "media", AccessKey: "a", SecretKey: "s", PublicURL: "https://cdn.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/k", m.PublicURL("k"))

	m, err = NewMirror(config.S3Config{Bucket: "my.media", Region: "eu-west-1", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "https://s3.eu-west-1.amazonaws.com/my.media/k", m.PublicURL("k"))
}

func TestNewMirrorValidates(t *testing.T) {
	_, err := NewMirror(config.S3Config{})
	assert.Error(t, err)
	_, err = NewMirror(config.S3Config{Bucket: "b"})
	assert.ErrorContains(t, err, "credentials")
}
