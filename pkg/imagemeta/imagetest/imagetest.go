// Package imagetest builds small encoded images, optionally carrying EXIF
// blocks, for use in tests.
package imagetest

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sort"
	"testing"
)

// EXIF tag numbers used by tests
const (
	TagImageDescription uint16 = 0x010E
	TagMake             uint16 = 0x010F
	TagModel            uint16 = 0x0110
	TagSoftware         uint16 = 0x0131
	TagDateTime         uint16 = 0x0132
	TagArtist           uint16 = 0x013B
	TagCopyright        uint16 = 0x8298

	tagExifPointer   uint16 = 0x8769
	tagGPSPointer    uint16 = 0x8825
	tagColorSpace    uint16 = 0xA001
	tagGPSLatitudeRf uint16 = 0x0001

	typeASCII = 2
	typeShort = 3
	typeLong  = 4
)

// EXIF describes the tags written by WithEXIF
type EXIF struct {
	ASCII          map[uint16]string // IFD0 ASCII tags
	ColorSpace     uint16            // written to the Exif sub-IFD when non-zero
	GPSLatitudeRef string            // written to the GPS sub-IFD when non-empty
}

// Solid returns an RGBA image of the given size filled with c
func Solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// Gradient returns an RGBA image with a deterministic colour gradient
func Gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / max(w-1, 1)),
				G: uint8((y * 255) / max(h-1, 1)),
				B: uint8(((x + y) * 127) / max(w+h-2, 1)),
				A: 255,
			})
		}
	}
	return img
}

// JPEG encodes img as JPEG
func JPEG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// PNG encodes img as PNG
func PNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte // value bytes; inlined when len <= 4
}

// WithEXIF inserts an APP1 EXIF segment right after the SOI marker of a JPEG
func WithEXIF(t testing.TB, jpg []byte, x EXIF) []byte {
	t.Helper()
	if len(jpg) < 2 || jpg[0] != 0xFF || jpg[1] != 0xD8 {
		t.Fatalf("not a JPEG stream")
	}

	payload := append([]byte("Exif\x00\x00"), buildTIFF(x)...)

	var out bytes.Buffer
	out.Write(jpg[:2])
	out.Write([]byte{0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(jpg[2:])
	return out.Bytes()
}

func buildTIFF(x EXIF) []byte {
	le := binary.LittleEndian

	var ifd0 []ifdEntry
	for tag, val := range x.ASCII {
		ifd0 = append(ifd0, asciiEntry(tag, val))
	}
	// pointer values are patched once sub-IFD offsets are known
	if x.ColorSpace != 0 {
		ifd0 = append(ifd0, ifdEntry{tag: tagExifPointer, typ: typeLong, count: 1, data: make([]byte, 4)})
	}
	if x.GPSLatitudeRef != "" {
		ifd0 = append(ifd0, ifdEntry{tag: tagGPSPointer, typ: typeLong, count: 1, data: make([]byte, 4)})
	}
	sort.Slice(ifd0, func(i, j int) bool { return ifd0[i].tag < ifd0[j].tag })

	var exifIFD, gpsIFD []ifdEntry
	if x.ColorSpace != 0 {
		v := make([]byte, 2)
		le.PutUint16(v, x.ColorSpace)
		exifIFD = append(exifIFD, ifdEntry{tag: tagColorSpace, typ: typeShort, count: 1, data: v})
	}
	if x.GPSLatitudeRef != "" {
		gpsIFD = append(gpsIFD, asciiEntry(tagGPSLatitudeRf, x.GPSLatitudeRef))
	}

	ifd0Off := uint32(8)
	exifOff := ifd0Off + ifdSize(ifd0)
	gpsOff := exifOff + ifdSize(exifIFD)

	for i := range ifd0 {
		switch ifd0[i].tag {
		case tagExifPointer:
			le.PutUint32(ifd0[i].data, exifOff)
		case tagGPSPointer:
			le.PutUint32(ifd0[i].data, gpsOff)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("II")
	_ = binary.Write(&buf, le, uint16(42))
	_ = binary.Write(&buf, le, ifd0Off)
	writeIFD(&buf, ifd0, ifd0Off)
	if len(exifIFD) > 0 {
		writeIFD(&buf, exifIFD, exifOff)
	}
	if len(gpsIFD) > 0 {
		writeIFD(&buf, gpsIFD, gpsOff)
	}
	return buf.Bytes()
}

func asciiEntry(tag uint16, val string) ifdEntry {
	data := append([]byte(val), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

// ifdSize is the byte length of an IFD including its out-of-line values
func ifdSize(entries []ifdEntry) uint32 {
	if len(entries) == 0 {
		return 0
	}
	size := uint32(2 + 12*len(entries) + 4)
	for _, e := range entries {
		if len(e.data) > 4 {
			size += uint32(len(e.data))
			if len(e.data)%2 == 1 {
				size++
			}
		}
	}
	return size
}

func writeIFD(buf *bytes.Buffer, entries []ifdEntry, start uint32) {
	le := binary.LittleEndian
	dataOff := start + uint32(2+12*len(entries)+4)

	var extra bytes.Buffer
	_ = binary.Write(buf, le, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(buf, le, e.tag)
		_ = binary.Write(buf, le, e.typ)
		_ = binary.Write(buf, le, e.count)
		if len(e.data) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.data)
			buf.Write(inline)
			continue
		}
		_ = binary.Write(buf, le, dataOff+uint32(extra.Len()))
		extra.Write(e.data)
		if len(e.data)%2 == 1 {
			extra.WriteByte(0)
		}
	}
	_ = binary.Write(buf, le, uint32(0))
	buf.Write(extra.Bytes())
}
