// Package resample folds 1-minute bars into coarser buckets for the
// charting history endpoint.
package resample

import (
	"errors"
	"time"

	"stockstreamv1/internal/model"
)

// ErrUnknownResolution is returned for resolution strings outside the
// supported set.
var ErrUnknownResolution = errors.New("resample: unknown resolution")

// ParseResolution maps a UDF resolution string to a bucket width.
// Supported: 1, 5, 15, 30, 60 (minutes) and D/1D (one UTC day).
func ParseResolution(s string) (time.Duration, error) {
	switch s {
	case "1":
		return time.Minute, nil
	case "5":
		return 5 * time.Minute, nil
	case "15":
		return 15 * time.Minute, nil
	case "30":
		return 30 * time.Minute, nil
	case "60":
		return time.Hour, nil
	case "D", "1D":
		return 24 * time.Hour, nil
	default:
		return 0, ErrUnknownResolution
	}
}

// Fold resamples minute bars (ascending by bucket) into width-sized
// buckets using the same OHLCV merge as the live builder: first open,
// max high, min low, last close, summed volume and trade count,
// volume-weighted vwap.
func Fold(bars []model.Bar, width time.Duration) []model.Bar {
	if width <= time.Minute || len(bars) == 0 {
		out := make([]model.Bar, len(bars))
		copy(out, bars)
		return out
	}

	var out []model.Bar
	var cur *model.Bar
	var notional float64
	var vwVolume uint64

	for i := range bars {
		b := bars[i]
		bucket := b.BucketStart.UTC().Truncate(width)
		if cur == nil || !bucket.Equal(cur.BucketStart) {
			if cur != nil {
				out = append(out, *cur)
			}
			cp := b
			cp.BucketStart = bucket
			cur = &cp
			notional = 0
			vwVolume = 0
			if b.VWAP > 0 && b.Volume > 0 {
				notional = b.VWAP * float64(b.Volume)
				vwVolume = b.Volume
			}
			continue
		}

		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
		cur.TradeCount += b.TradeCount
		if b.VWAP > 0 && b.Volume > 0 {
			notional += b.VWAP * float64(b.Volume)
			vwVolume += b.Volume
		}
		if vwVolume > 0 {
			cur.VWAP = notional / float64(vwVolume)
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
