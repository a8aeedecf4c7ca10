package enhance

import (
	"context"
	"fmt"
	"math"
)

// Weights below this fraction of the self-similarity weight are dropped.
const nlMeansWeightFloor = 0.001

// NLMeans denoises with non-local means: every pixel becomes the weighted
// average of the pixels in its search window, weighted by how similar their
// template neighbourhoods are. h controls how quickly weight decays with
// patch distance.
//
// Patch distances are accumulated per search offset with an integral image,
// so the cost is O(width*height*searchWindow^2) independent of the template
// size. All weights are fixed-point integers, which keeps the output
// byte-identical across runs and platforms. ctx is checked once per search
// offset; a cancelled context returns its error and no image.
func NLMeans(ctx context.Context, src *GrayImage, h float64, templateWindow, searchWindow int) (*GrayImage, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	if h <= 0 {
		return nil, fmt.Errorf("filter strength must be positive, got %v", h)
	}
	if templateWindow < 1 || templateWindow%2 == 0 || searchWindow < 1 || searchWindow%2 == 0 {
		return nil, fmt.Errorf("window sizes must be odd and positive, got template=%d search=%d",
			templateWindow, searchWindow)
	}

	w, ht := src.Width, src.Height
	tr := templateWindow / 2
	sr := searchWindow / 2
	pad := tr + sr
	area := int64(templateWindow * templateWindow)

	// Padded copy of the source with reflected borders.
	pw, ph := w+2*pad, ht+2*pad
	padded := make([]int64, pw*ph)
	for y := 0; y < ph; y++ {
		sy := reflect101(y-pad, ht)
		for x := 0; x < pw; x++ {
			padded[y*pw+x] = int64(src.Pix[sy*w+reflect101(x-pad, w)])
		}
	}

	weights := nlMeansWeightTable(h)

	// Integral image of squared differences over the template-extended area.
	dw, dh := w+2*tr, ht+2*tr
	integral := make([]int64, (dw+1)*(dh+1))
	iw := dw + 1

	sumW := make([]int64, w*ht)
	sumV := make([]int64, w*ht)

	for dy := -sr; dy <= sr; dy++ {
		for dx := -sr; dx <= sr; dx++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			// Offsets of the diff area origin inside the padded buffer.
			base := sr
			for y := 0; y < dh; y++ {
				rowA := (y+base)*pw + base
				rowB := (y+base+dy)*pw + base + dx
				var rowSum int64
				for x := 0; x < dw; x++ {
					d := padded[rowA+x] - padded[rowB+x]
					rowSum += d * d
					integral[(y+1)*iw+x+1] = integral[y*iw+x+1] + rowSum
				}
			}

			for y := 0; y < ht; y++ {
				top := y * iw
				bottom := (y + templateWindow) * iw
				rowQ := (y+pad+dy)*pw + pad + dx
				for x := 0; x < w; x++ {
					ssd := integral[bottom+x+templateWindow] - integral[top+x+templateWindow] -
						integral[bottom+x] + integral[top+x]
					wt := weights[(ssd+area/2)/area]
					if wt == 0 {
						continue
					}
					i := y*w + x
					sumW[i] += wt
					sumV[i] += wt * padded[rowQ+x]
				}
			}
		}
	}

	out := newGray(w, ht)
	for i := range out.Pix {
		// The zero offset always contributes full weight, so sumW > 0.
		out.Pix[i] = saturate((sumV[i] + sumW[i]/2) / sumW[i])
	}
	return out, nil
}

// nlMeansWeightTable maps a mean squared patch distance to a fixed-point
// weight exp(-d/h^2).
func nlMeansWeightTable(h float64) []int64 {
	const maxDist = 255 * 255
	one := float64(int64(1) << weightShift)
	table := make([]int64, maxDist+1)
	h2 := h * h
	for d := range table {
		wt := math.Exp(-float64(d) / h2)
		if wt < nlMeansWeightFloor {
			break
		}
		table[d] = int64(math.Round(wt * one))
	}
	return table
}
