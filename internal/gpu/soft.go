package gpu

import (
	"image"
	"sync"
	"sync/atomic"
)

// SoftDevice keeps textures in host memory. It backs headless runs and the
// snapshot compositor, and counts live allocations so leaks show up in
// tests.
type SoftDevice struct {
	live     atomic.Int64
	liveSize atomic.Int64
	created  atomic.Int64

	mu   sync.Mutex
	lost bool
}

func NewSoftDevice() *SoftDevice {
	return &SoftDevice{}
}

// SoftTexture is a texture of a SoftDevice.
type SoftTexture struct {
	device   *SoftDevice
	desc     TextureDescriptor
	pix      *image.RGBA
	released atomic.Bool
}

type softView struct {
	tex *SoftTexture
}

func (v softView) Texture() Texture { return v.tex }

func (d *SoftDevice) CreateTexture(desc TextureDescriptor, pix *image.RGBA) (Texture, View, error) {
	d.mu.Lock()
	lost := d.lost
	d.mu.Unlock()
	if lost {
		return nil, nil, ErrDeviceLost
	}
	if err := checkUpload(desc, pix); err != nil {
		return nil, nil, err
	}

	// Uploading copies; the caller may reuse its buffer.
	b := pix.Bounds()
	copied := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := pix.PixOffset(b.Min.X, b.Min.Y+y)
		copy(copied.Pix[y*copied.Stride:(y+1)*copied.Stride], pix.Pix[src:src+b.Dx()*4])
	}

	tex := &SoftTexture{device: d, desc: desc, pix: copied}
	d.live.Add(1)
	d.created.Add(1)
	d.liveSize.Add(int64(desc.SizeBytes()))
	return tex, softView{tex: tex}, nil
}

// Lose simulates the host invalidating the device. Later uploads fail
// until Restore.
func (d *SoftDevice) Lose() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

func (d *SoftDevice) Restore() {
	d.mu.Lock()
	d.lost = false
	d.mu.Unlock()
}

// Live is the number of textures not yet released.
func (d *SoftDevice) Live() int {
	return int(d.live.Load())
}

// LiveBytes is the memory held by textures not yet released.
func (d *SoftDevice) LiveBytes() int64 {
	return d.liveSize.Load()
}

// Created counts every successful upload.
func (d *SoftDevice) Created() int {
	return int(d.created.Load())
}

func (t *SoftTexture) Release() error {
	if t.released.CompareAndSwap(false, true) {
		t.device.live.Add(-1)
		t.device.liveSize.Add(-int64(t.desc.SizeBytes()))
	}
	return nil
}

func (t *SoftTexture) SizeBytes() int {
	return t.desc.SizeBytes()
}

func (t *SoftTexture) Label() string {
	return t.desc.Label
}

// Image returns the texture contents, or nil once released.
func (t *SoftTexture) Image() *image.RGBA {
	if t.released.Load() {
		return nil
	}
	return t.pix
}

// ImageOf returns the pixels behind a view created by a SoftDevice.
func ImageOf(v View) (*image.RGBA, bool) {
	if v == nil {
		return nil, false
	}
	tex, ok := v.Texture().(*SoftTexture)
	if !ok {
		return nil, false
	}
	img := tex.Image()
	return img, img != nil
}
