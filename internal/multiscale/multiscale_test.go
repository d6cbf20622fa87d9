package multiscale

import (
	"math"
	"math/rand"
	"testing"

	"yolotune/internal/model"
)

func TestBoundsFor416(t *testing.T) {
	c, err := New(416, true, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	lo, hi := c.Bounds()
	if lo != 288 || hi != 640 {
		t.Fatalf("unexpected bounds %d..%d", lo, hi)
	}
	if c.Size() != 640 {
		t.Fatalf("expected initial size at top of range, got %d", c.Size())
	}
}

func TestDrawsStayInRangeAndOnStride(t *testing.T) {
	c, err := New(416, true, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	lo, hi := c.Bounds()
	const nb, accumulate = 57, 2
	for epoch := 0; epoch < 5; epoch++ {
		for i := 0; i < nb; i++ {
			size := c.Next(i, epoch, nb, accumulate)
			if size < lo || size > hi || size%Stride != 0 {
				t.Fatalf("epoch=%d i=%d: size %d outside [%d,%d] or off stride", epoch, i, size, lo, hi)
			}
		}
	}
}

func TestSizeOnlyChangesOnDrawBoundary(t *testing.T) {
	c, err := New(320, true, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	const nb, accumulate = 33, 3
	prev := c.Size()
	for epoch := 0; epoch < 3; epoch++ {
		for i := 0; i < nb; i++ {
			size := c.Next(i, epoch, nb, accumulate)
			if size != prev && (i+nb*epoch)%(Interval*accumulate) != 0 {
				t.Fatalf("size changed off boundary at epoch=%d i=%d", epoch, i)
			}
			prev = size
		}
	}
}

func TestDisabledAlwaysNominal(t *testing.T) {
	c, err := New(416, false, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 100; i++ {
		if got := c.Next(i, 0, 100, 1); got != 416 {
			t.Fatalf("batch %d: got %d", i, got)
		}
	}
	if lo, hi := c.Bounds(); lo != 416 || hi != 416 {
		t.Fatalf("unexpected disabled bounds %d..%d", lo, hi)
	}
}

func TestRejectsSizeOffStride(t *testing.T) {
	if _, err := New(400, true, rand.New(rand.NewSource(1))); err == nil {
		t.Fatal("expected error for size not divisible by 32")
	}
}

func TestResampleShapeAndConstantPlane(t *testing.T) {
	in := model.Tensor{Name: "imgs", Shape: []int{2, 3, 4, 6}, Data: make([]float32, 2*3*4*6)}
	for i := range in.Data {
		in.Data[i] = 0.5
	}
	out, err := Resample(in, 9)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if out.Shape[0] != 2 || out.Shape[1] != 3 || out.Shape[2] != 6 || out.Shape[3] != 9 {
		t.Fatalf("unexpected shape %v", out.Shape)
	}
	for i, v := range out.Data {
		if math.Abs(float64(v)-0.5) > 1e-6 {
			t.Fatalf("value %d: got %v", i, v)
		}
	}
}

func TestScaleInterpolatesLinearRamp(t *testing.T) {
	in := model.Tensor{Shape: []int{1, 1, 1, 2}, Data: []float32{0, 1}}
	out, err := Scale(in, 2)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	want := []float32{0, 0.25, 0.75, 1}
	for i := range want {
		if math.Abs(float64(out.Data[i]-want[i])) > 1e-6 {
			t.Fatalf("value %d: got=%v want=%v", i, out.Data[i], want[i])
		}
	}
}

func TestResampleSameSizeIsIdentity(t *testing.T) {
	in := model.Tensor{Shape: []int{1, 1, 32, 32}, Data: make([]float32, 32*32)}
	out, err := Resample(in, 32)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if &out.Data[0] != &in.Data[0] {
		t.Fatal("expected unchanged batch to be returned as is")
	}
}
