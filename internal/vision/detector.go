// Package vision locates color-coded markers in camera frames.
//
// Each frame is blurred, converted to HSV and thresholded once per color
// class. The mask is eroded then dilated to drop speckle, and the largest
// external contour becomes the class's detection.
package vision

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/laserguidance/targeting/pkg/core"
)

// HSV is an OpenCV-scaled hue/saturation/value triple (H in [0,180], S and V in [0,255]).
type HSV [3]float64

// ColorClass is an inclusive HSV range identifying one marker.
type ColorClass struct {
	Name  string `mapstructure:"name" validate:"required"`
	Lower HSV    `mapstructure:"lower"`
	Upper HSV    `mapstructure:"upper"`
}

// Config controls the segmentation pipeline.
type Config struct {
	BlurKernel      int          `mapstructure:"blurKernel" validate:"gt=0"`
	MorphIterations int          `mapstructure:"morphIterations" validate:"gte=0"`
	MinRadius       float64      `mapstructure:"minRadius" validate:"gte=0"`
	Classes         []ColorClass `mapstructure:"classes" validate:"required,min=2,dive"`
}

// DefaultConfig returns the ranges the markers were calibrated with.
func DefaultConfig() Config {
	return Config{
		BlurKernel:      11,
		MorphIterations: 2,
		MinRadius:       10,
		Classes: []ColorClass{
			{Name: "green", Lower: HSV{29, 86, 6}, Upper: HSV{64, 255, 255}},
			{Name: "blue", Lower: HSV{110, 50, 50}, Upper: HSV{130, 255, 255}},
			{Name: "red", Lower: HSV{0, 0, 10}, Upper: HSV{10, 255, 255}},
		},
	}
}

// Detector runs the segmentation pipeline. It holds native OpenCV memory
// and must be closed.
type Detector struct {
	cfg     Config
	classes map[string]ColorClass
	kernel  gocv.Mat
}

// NewDetector builds a detector for the configured classes.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.BlurKernel <= 0 || cfg.BlurKernel%2 == 0 {
		return nil, fmt.Errorf("vision: blur kernel must be a positive odd number, got %d", cfg.BlurKernel)
	}
	classes := make(map[string]ColorClass, len(cfg.Classes))
	for _, c := range cfg.Classes {
		if _, dup := classes[c.Name]; dup {
			return nil, fmt.Errorf("vision: duplicate color class %q", c.Name)
		}
		classes[c.Name] = c
	}
	return &Detector{
		cfg:     cfg,
		classes: classes,
		kernel:  gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
	}, nil
}

// Close releases the morphology kernel.
func (d *Detector) Close() error {
	return d.kernel.Close()
}

// Detect returns the best detection for every requested class. Classes with
// no qualifying blob map to nil; unknown class names are ignored.
func (d *Detector) Detect(frame gocv.Mat, classes []string) map[string]*core.MarkerDetection {
	out := make(map[string]*core.MarkerDetection, len(classes))
	if frame.Empty() {
		for _, name := range classes {
			out[name] = nil
		}
		return out
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := d.cfg.BlurKernel
	gocv.GaussianBlur(frame, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(blurred, &hsv, gocv.ColorBGRToHSV)

	for _, name := range classes {
		cls, ok := d.classes[name]
		if !ok {
			continue
		}
		out[name] = d.detectClass(hsv, cls)
	}
	return out
}

func (d *Detector) detectClass(hsv gocv.Mat, cls ColorClass) *core.MarkerDetection {
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(cls.Lower[0], cls.Lower[1], cls.Lower[2], 0),
		gocv.NewScalar(cls.Upper[0], cls.Upper[1], cls.Upper[2], 0),
		&mask)

	for i := 0; i < d.cfg.MorphIterations; i++ {
		gocv.Erode(mask, &mask, d.kernel)
	}
	for i := 0; i < d.cfg.MorphIterations; i++ {
		gocv.Dilate(mask, &mask, d.kernel)
	}

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return nil
	}

	best, bestArea := -1, -1.0
	for i := 0; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); area > bestArea {
			best, bestArea = i, area
		}
	}
	contour := contours.At(best)

	cx, cy, radius := gocv.MinEnclosingCircle(contour)
	if float64(radius) <= d.cfg.MinRadius {
		return nil
	}

	center, ok := centroid(contour)
	if !ok {
		center = core.Position{X: int(cx), Y: int(cy)}
	}

	return &core.MarkerDetection{
		Center: center,
		Radius: float64(radius),
		Area:   bestArea,
	}
}

// centroid returns the contour's center of mass from its spatial
// moments. ok is false when the contour encloses no area.
func centroid(contour gocv.PointVector) (core.Position, bool) {
	pts := contour.ToPoints()
	m := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV32S)
	defer m.Close()
	for i, p := range pts {
		m.SetIntAt(i, 0, int32(p.X))
		m.SetIntAt(i, 1, int32(p.Y))
	}

	mo := gocv.Moments(m, false)
	if math.Abs(mo["m00"]) < 1e-9 {
		return core.Position{}, false
	}
	return core.Position{X: int(mo["m10"] / mo["m00"]), Y: int(mo["m01"] / mo["m00"])}, true
}
