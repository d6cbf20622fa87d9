package reference

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fixtureCfg = `[net]
batch=2

[convolutional]
filters=16
size=3

[convolutional]
filters=21
size=1

[yolo]
classes=2
`

type fixture struct {
	dir  string
	cfg  string
	data string
	list string
}

// writeFixture lays out n small PNG images with one or two labelled boxes
// each, an image list, a two-class data descriptor and a matching cfg.
func writeFixture(t *testing.T, n int) fixture {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"images", "labels"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	var list strings.Builder
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 40, 30))
		fill := color.RGBA{R: uint8(40 * i), G: 120, B: uint8(255 - 30*i), A: 255}
		for y := 0; y < 30; y++ {
			for x := 0; x < 40; x++ {
				img.Set(x, y, fill)
			}
		}
		name := fmt.Sprintf("img%d.png", i)
		f, err := os.Create(filepath.Join(dir, "images", name))
		if err != nil {
			t.Fatalf("create image: %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("encode image: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("close image: %v", err)
		}
		labels := fmt.Sprintf("%d 0.25 0.5 0.2 0.3\n", i%2)
		if i%3 == 0 {
			labels += "1 0.7 0.4 0.3 0.3\n"
		}
		labelPath := filepath.Join(dir, "labels", fmt.Sprintf("img%d.txt", i))
		if err := os.WriteFile(labelPath, []byte(labels), 0o644); err != nil {
			t.Fatalf("write labels: %v", err)
		}
		list.WriteString(filepath.Join("images", name) + "\n")
	}
	fx := fixture{
		dir:  dir,
		cfg:  filepath.Join(dir, "tiny.cfg"),
		data: filepath.Join(dir, "tiny.data"),
		list: filepath.Join(dir, "train.txt"),
	}
	if err := os.WriteFile(fx.list, []byte(list.String()), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	data := fmt.Sprintf("classes=2\ntrain=%s\nvalid=%s\nnames=none\n", fx.list, fx.list)
	if err := os.WriteFile(fx.data, []byte(data), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if err := os.WriteFile(fx.cfg, []byte(fixtureCfg), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	return fx
}
