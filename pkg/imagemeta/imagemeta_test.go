package imagemeta

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Botos/endo-ingress/pkg/imagemeta/imagetest"
)

func TestExtractTagsFromJPEG(t *testing.T) {
	jpg := imagetest.JPEG(t, imagetest.Solid(16, 16, color.RGBA{R: 200, A: 255}))
	withExif := imagetest.WithEXIF(t, jpg, imagetest.EXIF{
		ASCII: map[uint16]string{
			imagetest.TagMake:     "Olympus",
			imagetest.TagDateTime: "2024:01:15 10:30:00",
		},
		ColorSpace:     2,
		GPSLatitudeRef: "N",
	})

	tags := ExtractTags(withExif)
	assert.Equal(t, "Olympus", tags["Make"])
	assert.Equal(t, "2024:01:15 10:30:00", tags["DateTime"])
	assert.Equal(t, "2", tags["ColorSpace"])
	assert.Equal(t, "N", tags["GPSLatitudeRef"])

	// the image must still decode
	_, format, err := image.Decode(bytes.NewReader(withExif))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestExtractTagsWithoutEXIF(t *testing.T) {
	assert.Empty(t, ExtractTags(imagetest.PNG(t, imagetest.Solid(4, 4, color.White))))
	assert.Empty(t, ExtractTags(imagetest.JPEG(t, imagetest.Solid(4, 4, color.White))))
	assert.Empty(t, ExtractTags([]byte("not an image")))
}

func TestChannels(t *testing.T) {
	decode := func(b []byte) image.Image {
		img, _, err := image.Decode(bytes.NewReader(b))
		require.NoError(t, err)
		return img
	}

	rgb := imagetest.Solid(4, 4, color.RGBA{G: 255, A: 255})
	assert.Equal(t, 3, Channels(decode(imagetest.JPEG(t, rgb))))
	assert.Equal(t, 3, Channels(decode(imagetest.PNG(t, rgb))))

	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gray))
	assert.Equal(t, 1, Channels(decode(buf.Bytes())))

	buf.Reset()
	require.NoError(t, jpeg.Encode(&buf, gray, nil))
	assert.Equal(t, 1, Channels(decode(buf.Bytes())))

	translucent := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	translucent.Set(0, 0, color.NRGBA{R: 10, A: 128})
	assert.Equal(t, 4, Channels(decode(imagetest.PNG(t, translucent))))

	assert.Equal(t, 4, Channels(image.NewCMYK(image.Rect(0, 0, 1, 1))))
}

func TestContentTypeAndExtension(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("jpeg"))
	assert.Equal(t, "image/png", ContentType("png"))
	assert.Equal(t, "application/octet-stream", ContentType("webp"))
	assert.Equal(t, ".jpg", Extension("jpeg"))
	assert.Equal(t, ".png", Extension("png"))
}
