package loaders

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/anima-rt/engine/resources"
)

/** @brief Parameters used when loading a texture. */
type TextureLoadParams struct {
	/** @brief Levels larger than this are dropped. Zero keeps every level. */
	MaxSize uint32
	/** @brief Generate the full mip chain down to 1x1. */
	GenerateMips bool
}

type TextureLoader struct{}

func (tl *TextureLoader) Load(path string, assetType resources.ResourceType, params interface{}) (*resources.Resource, error) {
	p := TextureLoadParams{GenerateMips: true}
	if params != nil {
		typed, ok := params.(*TextureLoadParams)
		if !ok {
			return nil, fmt.Errorf("texture loader: params are not of type *TextureLoadParams")
		}
		p = *typed
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode texture %s: %w", path, err)
	}
	data := BuildMipChain(img, p.GenerateMips, p.MaxSize)
	return &resources.Resource{
		Type:     resources.ResourceTypeImage,
		Name:     path,
		FullPath: path,
		DataSize: data.Size(),
		Data:     data,
	}, nil
}

func (tl *TextureLoader) Unload(*resources.Resource) error {
	return nil
}

// BuildMipChain converts img to RGBA8 and downsamples it level by level.
// Levels wider or taller than maxSize are computed but not kept.
func BuildMipChain(img image.Image, mips bool, maxSize uint32) *resources.ImageResourceData {
	b := img.Bounds()
	level := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(level, level.Bounds(), img, b.Min, draw.Src)

	out := &resources.ImageResourceData{}
	for {
		w, h := uint32(level.Rect.Dx()), uint32(level.Rect.Dy())
		if maxSize == 0 || (w <= maxSize && h <= maxSize) {
			if len(out.Mips) == 0 {
				out.Width, out.Height = w, h
			}
			out.Mips = append(out.Mips, level.Pix)
			if !mips {
				break
			}
		}
		if w == 1 && h == 1 {
			break
		}
		next := image.NewRGBA(image.Rect(0, 0, max(int(w)/2, 1), max(int(h)/2, 1)))
		draw.ApproxBiLinear.Scale(next, next.Rect, level, level.Rect, draw.Src, nil)
		level = next
	}
	return out
}
