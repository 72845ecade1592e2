package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// burstMultiplier controls the token bucket burst size relative to the
// per-second rate.
const burstMultiplier = 2

// BandwidthLimiter caps the aggregate throughput of every transfer that
// shares it. A nil *BandwidthLimiter is valid and means unlimited.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

// NewBandwidthLimiter creates a limiter from a rate such as "5MB/s",
// "512KiB/s" or "1M". Returns nil for "" or "0" (unlimited).
func NewBandwidthLimiter(limit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := ParseRate(limit)
	if err != nil {
		return nil, err
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter = unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier

	if logger != nil {
		logger.Info("bandwidth limiter created",
			slog.String("rate", humanize.IBytes(bytesPerSec)+"/s"),
			slog.Int("burst", burst),
		)
	}

	return &BandwidthLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}, nil
}

// ParseRate parses "5MB/s", "100KB/s", "0" into bytes per second.
func ParseRate(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	normalized := s
	if strings.HasSuffix(strings.ToLower(normalized), "/s") {
		normalized = normalized[:len(normalized)-len("/s")]
	}

	n, err := humanize.ParseBytes(normalized)
	if err != nil {
		return 0, fmt.Errorf("transfer: invalid bandwidth rate %q: %w", s, err)
	}

	return n, nil
}

// WrapWriter returns a rate-limited io.Writer. If bl is nil, returns w unchanged.
func (bl *BandwidthLimiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if bl == nil {
		return w
	}

	return &rateLimitedWriter{w: w, limiter: bl.limiter, ctx: ctx}
}

// WrapReaderAt returns a rate-limited io.ReaderAt. If bl is nil, returns r
// unchanged.
func (bl *BandwidthLimiter) WrapReaderAt(ctx context.Context, r io.ReaderAt) io.ReaderAt {
	if bl == nil {
		return r
	}

	return &rateLimitedReaderAt{r: r, limiter: bl.limiter, ctx: ctx}
}

// rateLimitedWriter blocks after each write until the limiter allows the
// bytes produced.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if waitErr := waitN(w.ctx, w.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

type rateLimitedReaderAt struct {
	r       io.ReaderAt
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.r.ReadAt(p, off)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized chunks.
// rate.Limiter.WaitN rejects requests exceeding the burst size, so we loop.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
