package cache

import (
	"encoding/json"
	"fmt"
	"image"
	"sort"

	"github.com/zeebo/blake3"
)

// CanonicalRubricHash fingerprints a rubric for cache keying. The rubric is
// re-serialized with sorted keys first, so two payloads that differ only in
// map ordering hash identically.
func CanonicalRubricHash(rubric map[string]any) (string, error) {
	data, err := canonicalJSON(rubric)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize rubric: %w", err)
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:16]), nil
}

func canonicalJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}

// PayloadFingerprint hashes an arbitrary JSON-shaped payload. Used for
// idempotency conflict detection on StartRun.
func PayloadFingerprint(payload map[string]any) (string, error) {
	data, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:16]), nil
}

// PerceptualHash computes a 64-bit average hash of the image: downscale the
// luminance channel to 8x8, then set one bit per cell above the mean. Small
// scan artifacts (noise, slight skew, compression) leave the hash unchanged,
// so resubmitted scans of the same answer land on the same cache entry.
func PerceptualHash(img image.Image) uint64 {
	const side = 8
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var cells [side * side]float64
	for cy := 0; cy < side; cy++ {
		for cx := 0; cx < side; cx++ {
			x0 := bounds.Min.X + cx*w/side
			x1 := bounds.Min.X + (cx+1)*w/side
			y0 := bounds.Min.Y + cy*h/side
			y1 := bounds.Min.Y + (cy+1)*h/side
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}

			var sum float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, b, _ := img.At(x, y).RGBA()
					// Rec. 601 luma over 16-bit channels.
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
				}
			}
			cells[cy*side+cx] = sum / float64((x1-x0)*(y1-y0))
		}
	}

	var mean float64
	for _, c := range cells {
		mean += c
	}
	mean /= float64(len(cells))

	var hash uint64
	for i, c := range cells {
		if c > mean {
			hash |= 1 << uint(i)
		}
	}
	return hash
}
