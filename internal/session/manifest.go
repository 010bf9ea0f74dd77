package session

import (
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/streamweave/backend/internal/models"
)

// GenerateManifest returns a lazy sequence over the segments currently in
// the session's live window. Each iteration reads the window afresh, so the
// sequence can be ranged over again to observe newer segments. Iteration
// stops early once the session is no longer live.
func (m *Manager) GenerateManifest(id uuid.UUID) (iter.Seq[models.SegmentDescriptor], error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return func(yield func(models.SegmentDescriptor) bool) {
		s.mu.Lock()
		descs := make([]models.SegmentDescriptor, len(s.window))
		for i, seg := range s.window {
			descs[i] = models.SegmentDescriptor{Sequence: seg.Sequence, Duration: seg.Duration}
		}
		done := s.ctx.Done()
		s.mu.Unlock()

		for _, d := range descs {
			select {
			case <-done:
				return
			default:
			}
			if !yield(d) {
				return
			}
		}
	}, nil
}

// RenderHLS renders the live window as an HLS media playlist.
func (m *Manager) RenderHLS(id uuid.UUID) (string, error) {
	seq, err := m.GenerateManifest(id)
	if err != nil {
		return "", err
	}

	var descs []models.SegmentDescriptor
	for d := range seq {
		descs = append(descs, d)
	}

	target := 1
	for _, d := range descs {
		if t := int(math.Ceil(d.Duration.Seconds())); t > target {
			target = t
		}
	}
	var first uint64
	if len(descs) > 0 {
		first = descs[0].Sequence
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for _, d := range descs {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", d.Duration.Seconds())
		fmt.Fprintf(&b, "segment_%d.ts\n", d.Sequence)
	}
	return b.String(), nil
}
