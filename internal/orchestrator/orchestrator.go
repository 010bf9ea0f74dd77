package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/archive"
	"github.com/streamweave/backend/internal/models"
	"github.com/streamweave/backend/internal/paych"
	"github.com/streamweave/backend/internal/session"
)

var log = logging.Logger("orchestrator")

const msPerMinute = 60000

type Config struct {
	MeterInterval  time.Duration
	InitialFunding decimal.Decimal

	// SettleConcurrency caps channels settled at once when a stream ends.
	SettleConcurrency int
}

type stream struct {
	mu          sync.Mutex
	owner       string
	splits      []models.RevenueSplit
	lastMetered map[uuid.UUID]time.Time
	ended       bool
	// exhausted records channels whose funding ran out mid-stream.
	exhausted []error

	stopMeter context.CancelFunc
	meterDone chan struct{}
}

// Orchestrator drives a stream end to end: session lifecycle, background
// archival of its segments, and a metered payment channel per viewer.
type Orchestrator struct {
	cfg      Config
	sessions *session.Manager
	archive  *archive.Pipeline
	payments *paych.Manager
	clock    clock.Clock

	mu      sync.Mutex
	streams map[uuid.UUID]*stream
}

func New(cfg Config, sessions *session.Manager, pipeline *archive.Pipeline, payments *paych.Manager, clk clock.Clock) *Orchestrator {
	if cfg.MeterInterval <= 0 {
		cfg.MeterInterval = time.Minute
	}
	if cfg.SettleConcurrency < 1 {
		cfg.SettleConcurrency = 8
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		archive:  pipeline,
		payments: payments,
		clock:    clk,
		streams:  make(map[uuid.UUID]*stream),
	}
}

func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }
func (o *Orchestrator) Archive() *archive.Pipeline  { return o.archive }
func (o *Orchestrator) Payments() *paych.Manager    { return o.payments }

func (o *Orchestrator) stream(id uuid.UUID) (*stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.streams[id]
	if !ok {
		return nil, xerrors.Errorf("stream %s: %w", id, models.ErrNotFound)
	}
	return st, nil
}

// StartStream starts a session and, once it is live, begins metering its
// viewers. splits may be nil and set later.
func (o *Orchestrator) StartStream(ctx context.Context, owner, title, quality string, splits []models.RevenueSplit) (models.StreamSession, error) {
	if err := o.payments.ValidateSplits(splits); err != nil {
		return models.StreamSession{}, err
	}
	s, err := o.sessions.StartSession(ctx, owner, title, quality)
	if err != nil {
		return s, err
	}

	meterCtx, cancel := context.WithCancel(context.Background())
	st := &stream{
		owner:       owner,
		splits:      splits,
		lastMetered: make(map[uuid.UUID]time.Time),
		stopMeter:   cancel,
		meterDone:   make(chan struct{}),
	}
	o.mu.Lock()
	o.streams[s.ID] = st
	o.mu.Unlock()

	go o.meterLoop(meterCtx, s.ID, st)
	return s, nil
}

func (o *Orchestrator) SetSplits(sessionID uuid.UUID, splits []models.RevenueSplit) error {
	st, err := o.stream(sessionID)
	if err != nil {
		return err
	}
	if err := o.payments.ValidateSplits(splits); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return xerrors.Errorf("stream %s already ended: %w", sessionID, models.ErrInvalidState)
	}
	st.splits = append([]models.RevenueSplit(nil), splits...)
	return nil
}

// JoinViewer adds the viewer to the session and opens the channel that pays
// for their watch time. If the channel cannot be opened the viewer is
// removed again.
func (o *Orchestrator) JoinViewer(ctx context.Context, sessionID uuid.UUID, viewerID string) (models.PaymentChannel, int, error) {
	st, err := o.stream(sessionID)
	if err != nil {
		return models.PaymentChannel{}, 0, err
	}
	count, err := o.sessions.JoinViewer(sessionID, viewerID)
	if err != nil {
		return models.PaymentChannel{}, 0, err
	}

	ch, err := o.payments.OpenChannel(ctx, sessionID, viewerID, viewerID, st.owner, o.cfg.InitialFunding)
	if err != nil {
		count, _ = o.sessions.LeaveViewer(sessionID, viewerID)
		return models.PaymentChannel{}, count, err
	}

	st.mu.Lock()
	if _, ok := st.lastMetered[ch.ID]; !ok {
		st.lastMetered[ch.ID] = o.clock.Now()
	}
	st.mu.Unlock()
	return ch, count, nil
}

// LeaveViewer removes the viewer, charges the time watched since the last
// tick and closes their channel.
func (o *Orchestrator) LeaveViewer(ctx context.Context, sessionID uuid.UUID, viewerID string) (int, error) {
	count, err := o.sessions.LeaveViewer(sessionID, viewerID)
	if err != nil {
		return 0, err
	}
	st, err := o.stream(sessionID)
	if err != nil {
		return count, nil
	}
	ch, err := o.payments.ChannelFor(sessionID, viewerID)
	if err != nil || ch.State != models.ChannelOpen {
		return count, nil
	}
	if _, err := o.settle(ctx, st, ch); err != nil {
		return count, err
	}
	return count, nil
}

// CloseChannel closes a viewer's channel. While the stream runs, closing an
// open channel also meters and removes its viewer.
func (o *Orchestrator) CloseChannel(ctx context.Context, channelID uuid.UUID) (models.PaymentChannel, error) {
	ch, err := o.payments.Channel(channelID)
	if err != nil {
		return models.PaymentChannel{}, err
	}
	st, err := o.stream(ch.SessionID)
	if err != nil || ch.State != models.ChannelOpen {
		return o.payments.CloseChannel(ctx, channelID)
	}
	if _, err := o.sessions.LeaveViewer(ch.SessionID, ch.ViewerID); err != nil {
		return ch, err
	}
	return o.settle(ctx, st, ch)
}

// settle charges an open channel up to now and closes it.
func (o *Orchestrator) settle(ctx context.Context, st *stream, ch models.PaymentChannel) (models.PaymentChannel, error) {
	if ch.State == models.ChannelOpen {
		_ = o.meterChannel(st, ch.ID)
	}
	return o.payments.CloseChannel(ctx, ch.ID)
}

func (o *Orchestrator) IngestSegment(sessionID uuid.UUID, seg models.Segment) (models.Segment, error) {
	return o.sessions.IngestSegment(sessionID, seg)
}

func (o *Orchestrator) meterLoop(ctx context.Context, sessionID uuid.UUID, st *stream) {
	defer close(st.meterDone)
	t := o.clock.Ticker(o.cfg.MeterInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.meterSession(context.WithoutCancel(ctx), sessionID, st)
		}
	}
}

// meterSession charges every open channel. Viewers whose funding ran out
// are removed and their channels closed.
func (o *Orchestrator) meterSession(ctx context.Context, sessionID uuid.UUID, st *stream) {
	for _, ch := range o.payments.ChannelsForSession(sessionID) {
		if ch.State != models.ChannelOpen {
			continue
		}
		if err := o.meterChannel(st, ch.ID); !errors.Is(err, models.ErrFunding) {
			continue
		}
		if _, err := o.sessions.LeaveViewer(sessionID, ch.ViewerID); err != nil {
			log.Warnw("removing unfunded viewer", "session", sessionID, "viewer", ch.ViewerID, "err", err)
		}
		if _, err := o.payments.CloseChannel(ctx, ch.ID); err != nil {
			log.Warnw("closing exhausted channel", "channel", ch.ID, "err", err)
		}
	}
}

// meterChannel charges the whole milliseconds elapsed since the channel was
// last metered. Once funding runs out the remainder is charged, the clock
// for the channel still advances and the error wraps ErrFunding.
func (o *Orchestrator) meterChannel(st *stream, channelID uuid.UUID) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	last, ok := st.lastMetered[channelID]
	if !ok {
		return nil
	}
	now := o.clock.Now()
	ms := now.Sub(last).Milliseconds()
	if ms <= 0 {
		return nil
	}
	minutes := decimal.NewFromInt(ms).DivRound(decimal.NewFromInt(msPerMinute), models.AmountScale)
	v, err := o.payments.MeterWatchTime(channelID, minutes)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrFunding):
		log.Warnw("channel funding exhausted", "channel", channelID, "minutes", minutes, "charged", v.Amount, "err", err)
		st.exhausted = append(st.exhausted, xerrors.Errorf("channel %s: %w", channelID, err))
	default:
		log.Warnw("metering failed", "channel", channelID, "minutes", minutes, "err", err)
		return err
	}
	st.lastMetered[channelID] = last.Add(time.Duration(ms) * time.Millisecond)
	return err
}

// EndStream ends the session, stops metering, then finalizes the archive
// and settles every channel concurrently. Settled revenue is distributed
// across the stream's splits. Archival and settlement run to completion or
// their own timeouts even if ctx is canceled.
func (o *Orchestrator) EndStream(ctx context.Context, sessionID uuid.UUID) (models.StreamSummary, error) {
	st, err := o.stream(sessionID)
	if err != nil {
		return models.StreamSummary{}, err
	}
	res, err := o.sessions.EndSession(sessionID)
	if err != nil {
		return models.StreamSummary{}, err
	}

	st.stopMeter()
	<-st.meterDone

	st.mu.Lock()
	st.ended = true
	splits := st.splits
	st.mu.Unlock()

	channels := o.payments.ChannelsForSession(sessionID)
	for _, ch := range channels {
		if ch.State == models.ChannelOpen {
			o.meterChannel(st, ch.ID)
		}
	}

	work := context.WithoutCancel(ctx)
	summary := models.StreamSummary{Session: res, Revenue: decimal.Zero}
	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var eg errgroup.Group
	eg.SetLimit(o.cfg.SettleConcurrency + 1)
	eg.Go(func() error {
		m, err := o.archive.FinalizeSession(work, sessionID)
		if err != nil {
			fail(xerrors.Errorf("finalize archive: %w", err))
			return nil
		}
		summary.Archive = m
		if len(m.Failed()) > 0 {
			fail(xerrors.Errorf("%d archive deals failed", len(m.Failed())))
		}
		if m.TimedOut {
			fail(xerrors.Errorf("archive finalize timed out: %w", models.ErrGatewayTimeout))
		}
		return nil
	})

	closed := make([]models.PaymentChannel, len(channels))
	for i, ch := range channels {
		closed[i] = ch
		if ch.State != models.ChannelOpen && ch.State != models.ChannelSettling {
			continue
		}
		eg.Go(func() error {
			c, err := o.payments.CloseChannel(work, ch.ID)
			if err != nil {
				fail(err)
			}
			if c.ID != uuid.Nil {
				closed[i] = c
			}
			return nil
		})
	}
	_ = eg.Wait()

	st.mu.Lock()
	for _, err := range st.exhausted {
		fail(err)
	}
	st.mu.Unlock()

	summary.Channels = closed
	for _, c := range closed {
		if c.State == models.ChannelClosed {
			summary.Revenue = summary.Revenue.Add(c.Submitted)
		}
	}

	if len(splits) > 0 && summary.Revenue.IsPositive() {
		dist, err := o.payments.DistributeRevenue(work, sessionID, summary.Revenue, splits)
		if err != nil {
			fail(xerrors.Errorf("distribute revenue: %w", err))
		} else {
			summary.Distribution = &dist
			for _, t := range dist.Transfers {
				if t.Failed() {
					fail(xerrors.Errorf("transfer to %s: %s", t.Recipient, t.Error))
				}
			}
		}
	}

	for _, err := range errs {
		summary.Errors = append(summary.Errors, err.Error())
	}

	o.mu.Lock()
	delete(o.streams, sessionID)
	o.mu.Unlock()

	log.Infow("stream ended", "session", sessionID, "viewers", res.ViewerCount, "duration", res.Duration,
		"deals", len(summary.Archive.Entries), "channels", len(closed), "revenue", summary.Revenue, "errors", len(errs))
	return summary, errors.Join(errs...)
}

// Close stops metering for every stream still running.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	streams := make([]*stream, 0, len(o.streams))
	for _, st := range o.streams {
		streams = append(streams, st)
	}
	o.mu.Unlock()
	for _, st := range streams {
		st.stopMeter()
		<-st.meterDone
	}
}
