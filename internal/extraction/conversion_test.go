package extraction

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func encodePNG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func encodeJPEG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Normalize", func() {
	When("the payload is already PNG", func() {
		It("should pass the bytes through unchanged", func() {
			original := encodePNG(10, 10)
			data, contentType, err := Normalize(original, "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(contentType).To(Equal("image/png"))
			Expect(data).To(Equal(original))
		})
	})

	When("the payload is JPEG", func() {
		It("should re-encode to PNG", func() {
			data, contentType, err := Normalize(encodeJPEG(10, 10), "image/jpeg")
			Expect(err).NotTo(HaveOccurred())
			Expect(contentType).To(Equal("image/png"))

			_, format, err := image.Decode(bytes.NewReader(data))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})
	})

	When("the content type is missing", func() {
		It("should still decode a JPEG payload", func() {
			data, contentType, err := Normalize(encodeJPEG(10, 10), "")
			Expect(err).NotTo(HaveOccurred())
			Expect(contentType).To(Equal("image/png"))
			Expect(data).NotTo(BeEmpty())
		})
	})

	When("the payload is not an image", func() {
		It("should return an unsupported format error", func() {
			_, _, err := Normalize([]byte("plain text, not pixels"), "image/jpeg")
			Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
		})
	})
})

var _ = Describe("Preview", func() {
	It("should produce a PNG data URL", func() {
		preview, err := Preview(encodePNG(10, 10))
		Expect(err).NotTo(HaveOccurred())
		Expect(preview).To(HavePrefix("data:image/png;base64,"))
	})

	It("should downscale large images to the thumbnail bound", func() {
		preview, err := Preview(encodePNG(640, 320))
		Expect(err).NotTo(HaveOccurred())

		encoded := strings.TrimPrefix(preview, "data:image/png;base64,")
		Expect(encoded).NotTo(Equal(preview))

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		Expect(err).NotTo(HaveOccurred())
		img, _, err := image.Decode(bytes.NewReader(decoded))
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Bounds().Dx()).To(Equal(160))
		Expect(img.Bounds().Dy()).To(Equal(80))
	})

	It("should fail on undecodable bytes", func() {
		_, err := Preview([]byte("not a png"))
		Expect(err).To(MatchError(ContainSubstring("decoding image for preview")))
	})
})

var _ = Describe("isHEICFormat", func() {
	It("should recognize the heic ftyp brand", func() {
		data := []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'h', 'e', 'i', 'c'}
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("should recognize the mif1 brand", func() {
		data := []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'm', 'i', 'f', '1'}
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("should reject short payloads", func() {
		Expect(isHEICFormat([]byte("tiny"))).To(BeFalse())
	})

	It("should reject PNG payloads", func() {
		Expect(isHEICFormat(encodePNG(4, 4))).To(BeFalse())
	})
})

var _ = Describe("isHEICMimeType", func() {
	It("should match heic and heif variants", func() {
		Expect(isHEICMimeType("image/heic")).To(BeTrue())
		Expect(isHEICMimeType("image/heif-sequence")).To(BeTrue())
		Expect(isHEICMimeType(" Image/HEIC ")).To(BeTrue())
	})

	It("should not match other image types", func() {
		Expect(isHEICMimeType("image/jpeg")).To(BeFalse())
	})
})
