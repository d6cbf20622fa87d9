package report

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"os"

	"yolotune/internal/model"
)

const maxPlotImages = 16

var boxPalette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
}

// BatchPlotName is the file written for batch i of the first epoch.
func BatchPlotName(i int) string {
	return fmt.Sprintf("train_batch%d.jpg", i)
}

// PlotBatch tiles up to 16 images of an NCHW batch with values in [0,1] into a
// square mosaic, outlines every target box and writes the result as JPEG.
func PlotBatch(path string, images model.Tensor, targets []model.Target) error {
	mosaic, err := RenderBatch(images, targets)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, mosaic, &jpeg.Options{Quality: 90}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func RenderBatch(images model.Tensor, targets []model.Target) (*image.RGBA, error) {
	if len(images.Shape) != 4 {
		return nil, fmt.Errorf("expected NCHW batch, got shape %v", images.Shape)
	}
	n, ch, h, w := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	if n == 0 || h == 0 || w == 0 {
		return nil, fmt.Errorf("empty batch %v", images.Shape)
	}
	if n > maxPlotImages {
		n = maxPlotImages
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	mosaic := image.NewRGBA(image.Rect(0, 0, cols*w, rows*h))
	draw.Draw(mosaic, mosaic.Bounds(), image.White, image.Point{}, draw.Src)

	plane := h * w
	for idx := 0; idx < n; idx++ {
		ox, oy := (idx%cols)*w, (idx/cols)*h
		base := idx * ch * plane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var rgb [3]uint8
				for c := 0; c < 3; c++ {
					src := c
					if src >= ch {
						src = ch - 1
					}
					rgb[c] = toByte(images.Data[base+src*plane+y*w+x])
				}
				mosaic.SetRGBA(ox+x, oy+y, color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
			}
		}
	}

	for _, t := range targets {
		if t.Image < 0 || t.Image >= n {
			continue
		}
		ox, oy := (t.Image%cols)*w, (t.Image/cols)*h
		x0 := ox + int((t.X-t.W/2)*float64(w))
		x1 := ox + int((t.X+t.W/2)*float64(w))
		y0 := oy + int((t.Y-t.H/2)*float64(h))
		y1 := oy + int((t.Y+t.H/2)*float64(h))
		cell := image.Rect(ox, oy, ox+w, oy+h)
		outline(mosaic, image.Rect(x0, y0, x1, y1).Intersect(cell), boxPalette[abs(t.Class)%len(boxPalette)])
	}
	return mosaic, nil
}

func outline(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	if r.Empty() {
		return
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetRGBA(x, r.Min.Y, c)
		img.SetRGBA(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetRGBA(r.Min.X, y, c)
		img.SetRGBA(r.Max.X-1, y, c)
	}
}

func toByte(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
