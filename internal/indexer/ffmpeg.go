package indexer

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// MinMeanLuminance rejects frames that are effectively black (pocket
// recordings, lens covers). Scale 0..255.
const MinMeanLuminance = 15.0

// Frame is one extracted still.
type Frame struct {
	Path        string
	Index       int // ordinal among kept frames
	TimestampMS int64
}

// ExtractFrames shells out to ffmpeg to pull one frame every intervalSec
// seconds into outDir, then drops near-black frames. Timestamps are derived
// from the extraction ordinal, so they are exact multiples of the interval.
func ExtractFrames(ctx context.Context, videoPath, outDir string, intervalSec float64) ([]Frame, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	pattern := filepath.Join(outDir, "frame_%06d.jpg")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%g", intervalSec),
		"-q:v", "2",
		pattern,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}

	entries, err := filepath.Glob(filepath.Join(outDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	frames := make([]Frame, 0, len(entries))
	kept := 0
	for _, path := range entries {
		// ffmpeg numbers from 1; ordinal n is captured at (n-1)*interval.
		ordinal, err := frameOrdinal(path)
		if err != nil {
			continue
		}

		lum, err := meanLuminance(path)
		if err != nil {
			return nil, fmt.Errorf("frame %s: %w", filepath.Base(path), err)
		}
		if lum < MinMeanLuminance {
			os.Remove(path)
			continue
		}

		frames = append(frames, Frame{
			Path:        path,
			Index:       kept,
			TimestampMS: int64(float64(ordinal-1) * intervalSec * 1000),
		})
		kept++
	}
	return frames, nil
}

func frameOrdinal(path string) (int, error) {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "frame_")
	name = strings.TrimSuffix(name, ".jpg")
	return strconv.Atoi(name)
}

// meanLuminance decodes a JPEG and averages Rec.601 luma on a 0..255 scale.
func meanLuminance(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return 0, err
	}

	bounds := img.Bounds()
	var total float64
	var count int
	// Sample a grid rather than every pixel; luminance classification does
	// not need full resolution.
	stepX := max(1, bounds.Dx()/64)
	stepY := max(1, bounds.Dy()/64)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			total += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return total / float64(count), nil
}

// CropFace writes the face bounding box from a frame to destPath, padding
// the box by 20% so thumbnails keep some context.
func CropFace(framePath, destPath string, x, y, w, h int) error {
	f, err := os.Open(framePath)
	if err != nil {
		return err
	}
	img, err := jpeg.Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	padX, padY := w/5, h/5
	rect := image.Rect(x-padX, y-padY, x+w+padX, y+h+padY).Intersect(img.Bounds())
	if rect.Empty() {
		return fmt.Errorf("face box outside frame")
	}

	cropped, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return fmt.Errorf("image type %T does not support cropping", img)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	return jpeg.Encode(out, cropped.SubImage(rect), &jpeg.Options{Quality: 85})
}

// CopyFile duplicates an extracted frame into the thumbnail tree.
func CopyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
