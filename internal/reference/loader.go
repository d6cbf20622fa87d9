package reference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"yolotune/internal/model"
	"yolotune/internal/train"
)

// Loader reads a darknet image list. Every image has an optional label file
// found by swapping the images directory for labels and the extension for
// .txt, with one "class x y w h" line per box in normalized coordinates.
// Relative list entries are resolved against the list file's directory.
type Loader struct {
	req    train.LoaderRequest
	paths  []string
	labels [][]model.Target
	epoch  int
}

func NewLoader(ctx context.Context, req train.LoaderRequest) (*Loader, error) {
	if req.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if req.ImgSize <= 0 {
		return nil, errors.New("image size must be > 0")
	}
	if req.WorldSize <= 0 {
		req.WorldSize = 1
	}
	if req.Rank < 0 || req.Rank >= req.WorldSize {
		return nil, fmt.Errorf("rank %d outside world of %d", req.Rank, req.WorldSize)
	}
	all, err := readList(req.ListPath)
	if err != nil {
		return nil, err
	}
	l := &Loader{req: req}
	for i, p := range all {
		if i%req.WorldSize != req.Rank {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		targets, err := readLabels(LabelPath(p), req.Classes)
		if err != nil {
			return nil, err
		}
		l.paths = append(l.paths, p)
		l.labels = append(l.labels, targets)
	}
	return l, nil
}

func readList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	base := filepath.Dir(path)
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read image list %s: %w", path, err)
	}
	return out, nil
}

// LabelPath maps an image path to its label file.
func LabelPath(imagePath string) string {
	p := filepath.ToSlash(imagePath)
	p = strings.Replace(p, "/images/", "/labels/", 1)
	p = strings.TrimSuffix(p, filepath.Ext(p)) + ".txt"
	return filepath.FromSlash(p)
}

func readLabels(path string, classes int) ([]model.Target, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []model.Target
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("%s:%d: expected 5 values, got %d", path, line, len(fields))
		}
		var v [5]float64
		for i, field := range fields {
			x, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			v[i] = x
		}
		class := int(v[0])
		if class < 0 || (classes > 0 && class >= classes) {
			return nil, fmt.Errorf("%s:%d: class %d outside [0, %d)", path, line, class, classes)
		}
		out = append(out, model.Target{Class: class, X: v[1], Y: v[2], W: v[3], H: v[4]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) Len() int {
	return (len(l.paths) + l.req.BatchSize - 1) / l.req.BatchSize
}

func (l *Loader) Classes() int {
	return l.req.Classes
}

func (l *Loader) Samples() int {
	return len(l.paths)
}

// Iterate builds batches on a pool of Workers goroutines and hands them to fn
// in order. At most twice the worker count of batches are built ahead of the
// consumer.
func (l *Loader) Iterate(ctx context.Context, fn func(i int, b train.Batch) error) error {
	order := l.order()
	epoch := l.epoch
	l.epoch++
	nb := l.Len()
	workers := l.req.Workers
	if workers <= 0 {
		workers = 1
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(cctx)
	ready := make([]chan train.Batch, nb)
	for i := range ready {
		ready[i] = make(chan train.Batch, 1)
	}
	tokens := make(chan struct{}, 2*workers)

	g.Go(func() error {
		pool, pctx := errgroup.WithContext(gctx)
		pool.SetLimit(workers)
		for i := 0; i < nb; i++ {
			select {
			case tokens <- struct{}{}:
			case <-pctx.Done():
				return pool.Wait()
			}
			pool.Go(func() error {
				lo := i * l.req.BatchSize
				hi := min(lo+l.req.BatchSize, len(order))
				b, err := l.build(order[lo:hi], epoch)
				if err != nil {
					return fmt.Errorf("batch %d: %w", i, err)
				}
				ready[i] <- b
				return nil
			})
		}
		return pool.Wait()
	})

	for i := 0; i < nb; i++ {
		var b train.Batch
		select {
		case b = <-ready[i]:
		case <-gctx.Done():
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()
		}
		if err := fn(i, b); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		<-tokens
	}
	return g.Wait()
}

// order returns sample indices for the next epoch.
func (l *Loader) order() []int {
	n := len(l.paths)
	if !l.req.Shuffle {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return rand.New(rand.NewSource(l.req.Seed + int64(l.epoch))).Perm(n)
}

func (l *Loader) build(indices []int, epoch int) (train.Batch, error) {
	s := l.req.ImgSize
	plane := s * s
	b := train.Batch{
		Images: model.Tensor{Shape: []int{len(indices), Channels, s, s}, Data: make([]float32, len(indices)*Channels*plane)},
		Paths:  make([]string, len(indices)),
	}
	for k, idx := range indices {
		img, err := decodeImage(l.paths[idx])
		if err != nil {
			return train.Batch{}, err
		}
		flip := false
		if l.req.Augment {
			flip = rand.New(rand.NewSource(l.req.Seed^int64(epoch)<<32^int64(idx))).Intn(2) == 1
		}
		fillPlanes(b.Images.Data[k*Channels*plane:(k+1)*Channels*plane], img, s, flip)
		for _, t := range l.labels[idx] {
			t.Image = k
			if flip {
				t.X = 1 - t.X
			}
			b.Targets = append(b.Targets, t)
		}
		b.Paths[k] = l.paths[idx]
	}
	return b, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// fillPlanes samples img onto an s×s grid, nearest neighbour, as CHW floats
// in [0,1].
func fillPlanes(dst []float32, img image.Image, s int, flip bool) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := s * s
	for y := 0; y < s; y++ {
		sy := bounds.Min.Y + y*h/s
		for x := 0; x < s; x++ {
			sx := x * w / s
			if flip {
				sx = w - 1 - sx
			}
			r, g, bl, _ := img.At(bounds.Min.X+sx, sy).RGBA()
			o := y*s + x
			dst[o] = float32(r) / 0xffff
			dst[plane+o] = float32(g) / 0xffff
			dst[2*plane+o] = float32(bl) / 0xffff
		}
	}
}
