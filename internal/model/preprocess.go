package model

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// Channels is the number of colour channels the model consumes.
const Channels = 3

// InputShape returns the model input shape for a square image of side size.
func InputShape(size int) tensor.Shape {
	return tensor.NewShape(1, size, size, Channels)
}

// Preprocess decodes data and converts it into a [1,size,size,3] tensor
// allocated from scope.
func Preprocess(scope *tensor.Scope, data []byte, size int) (*tensor.Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return FromImage(scope, img, size), nil
}

// FromImage resizes img bilinearly to size x size and lays its pixels out
// NHWC. Values stay in 0..255; scaling is left to the model's own
// Normalization layer. Alpha is dropped before resampling, so transparent
// pixels keep their stored colour.
func FromImage(scope *tensor.Scope, img image.Image, size int) *tensor.Tensor {
	resized := resize.Resize(uint(size), uint(size), opaque(img), resize.Bilinear)
	bounds := resized.Bounds()

	out := scope.New(InputShape(size), tensor.F32)
	data := out.DataPtr()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			i := (y*size + x) * Channels
			data[i] = float32(c.R)
			data[i+1] = float32(c.G)
			data[i+2] = float32(c.B)
		}
	}
	return out
}

// opaque copies img into an NRGBA image with every alpha set to 255. The
// resampler works on premultiplied values, which would otherwise zero the
// colour of fully transparent pixels.
func opaque(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()*4], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	} else {
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				dst.SetNRGBA(x, y, color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA))
			}
		}
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
