package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/delivery"
	"github.com/streamweave/backend/internal/events"
	"github.com/streamweave/backend/internal/metrics"
	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("session")

// SegmentSink receives ingested segments for archival. Both methods must
// return without waiting on the network.
type SegmentSink interface {
	EnqueueSegment(sessionID uuid.UUID, seg models.Segment)
	FlushSession(sessionID uuid.UUID)
}

type Config struct {
	WindowSize       int
	ReadinessTimeout time.Duration

	// Retention is how long ended and failed sessions stay queryable.
	// Zero keeps them for the life of the manager.
	Retention time.Duration
}

// Manager owns every broadcast session. Sessions are addressed by id and
// each one is mutated only while holding its own lock, so operations on a
// session apply in arrival order while different sessions proceed
// independently.
type Manager struct {
	cfg    Config
	probe  delivery.Probe
	sink   SegmentSink
	events events.Publisher
	clock  clock.Clock

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

type session struct {
	mu sync.Mutex

	id      uuid.UUID
	owner   string
	title   string
	status  models.SessionStatus
	quality models.QualityProfile
	viewers map[string]struct{}
	window  []models.Segment
	lastSeq uint64
	reason  string

	createdAt time.Time
	liveAt    *time.Time
	endedAt   *time.Time

	// ctx scopes non-critical work such as manifest generation; it is
	// cancelled when the session leaves the live state.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg Config, probe delivery.Probe, sink SegmentSink, pub events.Publisher, clk clock.Clock) *Manager {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if probe == nil {
		probe = delivery.NoopProbe{}
	}
	if pub == nil {
		pub = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:      cfg,
		probe:    probe,
		sink:     sink,
		events:   pub,
		clock:    clk,
		sessions: make(map[uuid.UUID]*session),
	}
}

func (m *Manager) lookup(id uuid.UUID) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, xerrors.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return s, nil
}

// snapshot must be called with s.mu held.
func (s *session) snapshot(windowSize int) models.StreamSession {
	viewers := make([]string, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	sort.Strings(viewers)
	return models.StreamSession{
		ID:          s.id,
		OwnerID:     s.owner,
		Title:       s.title,
		Status:      s.status,
		Quality:     s.quality,
		Viewers:     viewers,
		WindowSize:  windowSize,
		LastSeq:     s.lastSeq,
		ErrorReason: s.reason,
		CreatedAt:   s.createdAt,
		LiveAt:      s.liveAt,
		EndedAt:     s.endedAt,
	}
}

// StartSession registers a session in the starting state and promotes it to
// live once the delivery origin reports ready. A failed readiness check
// leaves the session in the terminal error state.
func (m *Manager) StartSession(ctx context.Context, owner, title, quality string) (models.StreamSession, error) {
	profile, ok := LookupProfile(quality)
	if !ok {
		return models.StreamSession{}, xerrors.Errorf("quality profile %q: %w", quality, models.ErrInitialization)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.New(),
		owner:     owner,
		title:     title,
		status:    models.SessionStarting,
		quality:   profile,
		viewers:   make(map[string]struct{}),
		createdAt: m.clock.Now(),
		ctx:       sctx,
		cancel:    cancel,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.mu.Lock()
	metrics.SessionTransitions.WithLabelValues(string(models.SessionStarting)).Inc()
	m.events.Publish(events.New(models.EventSessionStarted, s.id, models.SessionPayload{Session: s.snapshot(m.cfg.WindowSize)}))
	s.mu.Unlock()

	// s.mu is released across the probe.
	rctx := ctx
	if m.cfg.ReadinessTimeout > 0 {
		var rcancel context.CancelFunc
		rctx, rcancel = context.WithTimeout(ctx, m.cfg.ReadinessTimeout)
		defer rcancel()
	}
	perr := m.probe.Ready(rctx, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionStarting {
		return s.snapshot(m.cfg.WindowSize), xerrors.Errorf("session %s left starting during readiness check: %w", s.id, models.ErrInvalidState)
	}
	if perr != nil {
		m.failLocked(s, "readiness check failed: "+perr.Error())
		log.Warnw("session failed readiness", "session", s.id, "err", perr)
		return s.snapshot(m.cfg.WindowSize), xerrors.Errorf("session %s not ready: %v: %w", s.id, perr, models.ErrInitialization)
	}

	now := m.clock.Now()
	s.status = models.SessionLive
	s.liveAt = &now
	metrics.SessionTransitions.WithLabelValues(string(models.SessionLive)).Inc()
	metrics.SessionsActive.Inc()

	snap := s.snapshot(m.cfg.WindowSize)
	m.events.Publish(events.New(models.EventSessionLive, s.id, models.SessionPayload{Session: snap}))
	log.Infow("session live", "session", s.id, "owner", owner, "quality", profile.Name)
	return snap, nil
}

// failLocked moves s to the error state. Caller holds s.mu.
func (m *Manager) failLocked(s *session, reason string) {
	if s.status == models.SessionLive {
		metrics.SessionsActive.Dec()
	}
	s.status = models.SessionError
	s.reason = reason
	s.window = nil
	s.cancel()
	metrics.SessionTransitions.WithLabelValues(string(models.SessionError)).Inc()
	m.events.Publish(events.New(models.EventSessionError, s.id, models.SessionPayload{Session: s.snapshot(m.cfg.WindowSize)}))
	m.retire(s.id)
}

// retire forgets a terminal session once the retention period passes.
func (m *Manager) retire(id uuid.UUID) {
	if m.cfg.Retention <= 0 {
		return
	}
	m.clock.AfterFunc(m.cfg.Retention, func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	})
}

// FailSession records an unrecoverable delivery failure on a live session.
func (m *Manager) FailSession(id uuid.UUID, reason string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionLive {
		return xerrors.Errorf("fail session %s in state %s: %w", id, s.status, models.ErrInvalidState)
	}
	m.failLocked(s, reason)
	if m.sink != nil {
		m.sink.FlushSession(id)
	}
	log.Errorw("session failed", "session", id, "reason", reason)
	return nil
}

// JoinViewer adds viewer to a live session and returns the viewer count.
func (m *Manager) JoinViewer(id uuid.UUID, viewer string) (int, error) {
	s, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionLive {
		return 0, xerrors.Errorf("join session %s in state %s: %w", id, s.status, models.ErrInvalidState)
	}
	if _, ok := s.viewers[viewer]; ok {
		return len(s.viewers), nil
	}

	s.viewers[viewer] = struct{}{}
	count := len(s.viewers)
	metrics.ViewerEvents.WithLabelValues("join").Inc()
	m.events.Publish(events.New(models.EventViewerJoined, id, models.ViewerPayload{ViewerID: viewer, ViewerCount: count}))
	return count, nil
}

// LeaveViewer removes viewer. Unknown sessions and non-members are no-ops.
func (m *Manager) LeaveViewer(id uuid.UUID, viewer string) (int, error) {
	s, err := m.lookup(id)
	if err != nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[viewer]; !ok {
		return len(s.viewers), nil
	}

	delete(s.viewers, viewer)
	count := len(s.viewers)
	metrics.ViewerEvents.WithLabelValues("leave").Inc()
	m.events.Publish(events.New(models.EventViewerLeft, id, models.ViewerPayload{ViewerID: viewer, ViewerCount: count}))
	return count, nil
}

// IngestSegment appends seg to the live window and hands it to the archive
// sink. A zero sequence is assigned the next number; any other value must
// continue the session's sequence exactly.
func (m *Manager) IngestSegment(id uuid.UUID, seg models.Segment) (models.Segment, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.Segment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionLive {
		return models.Segment{}, xerrors.Errorf("ingest into session %s in state %s: %w", id, s.status, models.ErrInvalidState)
	}

	next := s.lastSeq + 1
	if seg.Sequence == 0 {
		seg.Sequence = next
	} else if seg.Sequence != next {
		return models.Segment{}, xerrors.Errorf("segment %d, expected %d: %w", seg.Sequence, next, models.ErrInvalidSegment)
	}
	if seg.Duration <= 0 {
		return models.Segment{}, xerrors.Errorf("segment %d has no duration: %w", seg.Sequence, models.ErrInvalidSegment)
	}
	if seg.CapturedAt.IsZero() {
		seg.CapturedAt = m.clock.Now()
	}

	s.lastSeq = seg.Sequence
	s.window = append(s.window, seg)
	if over := len(s.window) - m.cfg.WindowSize; over > 0 {
		// drop references so evicted payloads can be collected
		for i := 0; i < over; i++ {
			s.window[i] = models.Segment{}
		}
		s.window = s.window[over:]
	}
	metrics.SegmentsIngested.Inc()

	if m.sink != nil {
		m.sink.EnqueueSegment(id, seg)
	}
	return seg, nil
}

// EndSession moves a live session to ended, asks the archive to flush what
// it holds for the session and reports the final viewer count and duration.
func (m *Manager) EndSession(id uuid.UUID) (models.EndResult, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.EndResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionLive {
		return models.EndResult{}, xerrors.Errorf("end session %s in state %s: %w", id, s.status, models.ErrInvalidState)
	}

	now := m.clock.Now()
	s.status = models.SessionEnded
	s.endedAt = &now
	s.cancel()
	s.window = nil
	metrics.SessionsActive.Dec()
	metrics.SessionTransitions.WithLabelValues(string(models.SessionEnded)).Inc()

	if m.sink != nil {
		m.sink.FlushSession(id)
	}
	m.retire(id)

	start := s.createdAt
	if s.liveAt != nil {
		start = *s.liveAt
	}
	res := models.EndResult{
		SessionID:   id,
		ViewerCount: len(s.viewers),
		Duration:    now.Sub(start),
	}
	m.events.Publish(events.New(models.EventSessionEnded, id, models.SessionEndedPayload{
		ViewerCount:     res.ViewerCount,
		DurationSeconds: int64(res.Duration / time.Second),
	}))
	log.Infow("session ended", "session", id, "viewers", res.ViewerCount, "duration", res.Duration)
	return res, nil
}

func (m *Manager) Get(id uuid.UUID) (models.StreamSession, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.StreamSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(m.cfg.WindowSize), nil
}

// ActiveSessions returns live sessions, most recently started first.
func (m *Manager) ActiveSessions() []models.StreamSession {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var out []models.StreamSession
	for _, s := range all {
		s.mu.Lock()
		if s.status == models.SessionLive {
			out = append(out, s.snapshot(m.cfg.WindowSize))
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) Stats(id uuid.UUID) (models.SessionStats, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.SessionStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var dur time.Duration
	switch {
	case s.liveAt != nil && s.endedAt != nil:
		dur = s.endedAt.Sub(*s.liveAt)
	case s.liveAt != nil:
		dur = m.clock.Since(*s.liveAt)
	}
	return models.SessionStats{
		SessionID:       s.id,
		Status:          s.status,
		ViewerCount:     len(s.viewers),
		DurationSeconds: int64(dur / time.Second),
		SegmentCount:    len(s.window),
		Quality:         s.quality.Name,
		BitrateKbps:     s.quality.BitrateKbps,
		FrameRate:       s.quality.FrameRate,
	}, nil
}
