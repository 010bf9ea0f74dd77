package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/events"
	"github.com/streamweave/backend/internal/gateway"
	"github.com/streamweave/backend/internal/metrics"
	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("archive")

const gib = 1 << 30

type Config struct {
	// A batch is committed once it holds BatchCount segments or BatchBytes
	// of payload, whichever comes first. BatchBytes of zero disables the
	// byte threshold.
	BatchCount    int
	BatchBytes    int
	FlushInterval time.Duration

	// Deals start ConfirmationDelay epochs after the epoch observed at
	// proposal time and run for RetentionEpochs.
	ConfirmationDelay models.Epoch
	RetentionEpochs   models.Epoch

	// PricePerEpoch is quoted per GiB, rounded up.
	PricePerEpoch decimal.Decimal

	// RetryBudget is the number of re-proposals allowed after the first
	// attempt fails.
	RetryBudget int

	Retry       gateway.RetryPolicy
	CallTimeout time.Duration

	// PollInterval of zero disables the background deal watchers; deals
	// then advance only through PollDealStatus.
	PollInterval    time.Duration
	MaxPollFailures int
	FinalizeTimeout time.Duration

	Providers       []string
	DefaultProvider string

	ManifestCacheSize int
}

func (c *Config) setDefaults() {
	if c.BatchCount < 1 {
		c.BatchCount = 10
	}
	if c.ConfirmationDelay < 1 {
		c.ConfirmationDelay = 1
	}
	if c.RetentionEpochs < 1 {
		c.RetentionEpochs = 518400
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.MaxPollFailures < 1 {
		c.MaxPollFailures = 5
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 2 * time.Minute
	}
	if c.ManifestCacheSize < 1 {
		c.ManifestCacheSize = 256
	}
}

type dealEntry struct {
	mu           sync.Mutex
	deal         models.StorageDeal
	tried        map[string]bool
	pollFailures int

	// done is closed once the deal reaches a terminal state.
	done   chan struct{}
	closed bool
}

type sessionState struct {
	segments []models.Segment
	bytes    int
	timer    *clock.Timer

	// inflight counts batches taken from the buffer whose deals are not
	// registered yet.
	inflight sync.WaitGroup
	deals    []uuid.UUID

	// finalizing is set once FinalizeSession starts; no batch is taken
	// after that except the final one.
	finalizing bool
}

type finalizedSession struct {
	manifest models.ArchiveManifest
	deals    []models.StorageDeal
}

// Pipeline batches session segments into content-addressed payloads and
// keeps a storage deal in flight for every batch until it is terminal.
type Pipeline struct {
	cfg      Config
	ledger   gateway.LedgerGateway
	store    gateway.ContentStore
	events   events.Publisher
	clock    clock.Clock
	selector *ProviderSelector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessions  map[uuid.UUID]*sessionState
	deals     map[uuid.UUID]*dealEntry
	finalized *lru.Cache[uuid.UUID, finalizedSession]
}

func New(cfg Config, ledger gateway.LedgerGateway, store gateway.ContentStore, pub events.Publisher, clk clock.Clock) (*Pipeline, error) {
	cfg.setDefaults()
	if pub == nil {
		pub = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}
	cache, err := lru.New[uuid.UUID, finalizedSession](cfg.ManifestCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("failed to create manifest cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		ledger:    ledger,
		store:     store,
		events:    pub,
		clock:     clk,
		selector:  NewProviderSelector(cfg.Providers, cfg.DefaultProvider),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[uuid.UUID]*sessionState),
		deals:     make(map[uuid.UUID]*dealEntry),
		finalized: cache,
	}, nil
}

// Close stops flush timers and deal watchers and waits for in-flight
// commits to return.
func (p *Pipeline) Close() {
	p.mu.Lock()
	for _, st := range p.sessions {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return gateway.Retry(ctx, p.clock, p.cfg.Retry, op, func(ctx context.Context) error {
		return gateway.Call(ctx, p.cfg.CallTimeout, op, fn)
	})
}

// quote prices a payload per epoch.
func (p *Pipeline) quote(size uint64) decimal.Decimal {
	units := int64((size + gib - 1) / gib)
	if units < 1 {
		units = 1
	}
	return p.cfg.PricePerEpoch.Mul(decimal.NewFromInt(units))
}

// EstimateCost is the price of keeping size bytes for the retention period.
func (p *Pipeline) EstimateCost(size uint64) decimal.Decimal {
	return p.quote(size).Mul(decimal.NewFromInt(int64(p.cfg.RetentionEpochs)))
}

// EnqueueSegment buffers seg and starts a commit in the background once a
// batch threshold is reached. It never blocks on the network.
func (p *Pipeline) EnqueueSegment(sessionID uuid.UUID, seg models.Segment) {
	if p.finalized.Contains(sessionID) {
		log.Warnw("dropping segment for finalized session", "session", sessionID, "seq", seg.Sequence)
		return
	}

	p.mu.Lock()
	st, ok := p.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		p.sessions[sessionID] = st
	}
	if st.finalizing {
		p.mu.Unlock()
		log.Warnw("dropping segment for finalizing session", "session", sessionID, "seq", seg.Sequence)
		return
	}
	st.segments = append(st.segments, seg)
	st.bytes += len(seg.Payload)
	if st.timer == nil && p.cfg.FlushInterval > 0 {
		st.timer = p.clock.AfterFunc(p.cfg.FlushInterval, func() { p.FlushSession(sessionID) })
	}

	var batch []models.Segment
	if len(st.segments) >= p.cfg.BatchCount || (p.cfg.BatchBytes > 0 && st.bytes >= p.cfg.BatchBytes) {
		batch = p.takeLocked(st)
	}
	p.mu.Unlock()

	if batch != nil {
		p.commitAsync(sessionID, st, batch)
	}
}

// FlushSession commits whatever the session has buffered, in the background.
func (p *Pipeline) FlushSession(sessionID uuid.UUID) {
	p.mu.Lock()
	st, ok := p.sessions[sessionID]
	var batch []models.Segment
	if ok && !st.finalizing {
		batch = p.takeLocked(st)
	}
	p.mu.Unlock()

	if batch != nil {
		p.commitAsync(sessionID, st, batch)
	}
}

// takeLocked empties the buffer. Caller holds p.mu and must call
// st.inflight.Done once the returned batch has been committed.
func (p *Pipeline) takeLocked(st *sessionState) []models.Segment {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if len(st.segments) == 0 {
		return nil
	}
	batch := st.segments
	st.segments = nil
	st.bytes = 0
	st.inflight.Add(1)
	return batch
}

func (p *Pipeline) commitAsync(sessionID uuid.UUID, st *sessionState, batch []models.Segment) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer st.inflight.Done()
		if _, err := p.CommitBatch(p.ctx, sessionID, batch); err != nil {
			log.Errorw("archive batch failed", "session", sessionID, "segments", len(batch), "err", err)
		}
	}()
}

// CommitBatch stores the concatenated batch in the content store, pins it
// and proposes a storage deal for it. The returned deal is proposed unless
// every attempt allowed by the retry budget failed.
func (p *Pipeline) CommitBatch(ctx context.Context, sessionID uuid.UUID, segments []models.Segment) (models.StorageDeal, error) {
	if len(segments) == 0 {
		return models.StorageDeal{}, xerrors.Errorf("empty batch: %w", models.ErrInvalidSegment)
	}
	start := p.clock.Now()

	var size int
	for _, s := range segments {
		size += len(s.Payload)
	}
	payload := make([]byte, 0, size)
	for _, s := range segments {
		payload = append(payload, s.Payload...)
	}

	now := p.clock.Now()
	e := &dealEntry{
		deal: models.StorageDeal{
			ID:            uuid.New(),
			SessionID:     sessionID,
			Size:          uint64(size),
			PricePerEpoch: p.quote(uint64(size)),
			State:         models.DealProposed,
			FirstSequence: segments[0].Sequence,
			LastSequence:  segments[len(segments)-1].Sequence,
			SegmentCount:  len(segments),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		tried: make(map[string]bool),
		done:  make(chan struct{}),
	}

	var addr string
	err := p.call(ctx, "content put", func(ctx context.Context) error {
		a, err := p.store.Put(ctx, payload)
		addr = a
		return err
	})
	if err == nil {
		err = p.call(ctx, "content pin", func(ctx context.Context) error {
			return p.store.Pin(ctx, addr)
		})
	}

	e.mu.Lock()
	if err != nil {
		p.setStateLocked(e, models.DealFailed, err.Error())
	} else {
		e.deal.ContentAddress = addr
		if perr := p.proposeOnce(ctx, e); perr != nil {
			err = p.afterFailureLocked(ctx, e, perr)
		}
	}
	deal := e.deal
	e.mu.Unlock()

	p.register(e)
	metrics.ArchiveCommitDuration.Observe(p.clock.Since(start).Seconds())

	if err != nil {
		metrics.ArchiveBatches.WithLabelValues("failed").Inc()
		return deal, xerrors.Errorf("commit batch %d-%d: %w", deal.FirstSequence, deal.LastSequence, err)
	}
	metrics.ArchiveBatches.WithLabelValues("committed").Inc()
	log.Infow("batch committed", "session", sessionID, "deal", deal.ID, "proposal", deal.ProposalID,
		"provider", deal.Provider, "cid", deal.ContentAddress, "segments", deal.SegmentCount)

	if p.cfg.PollInterval > 0 {
		p.watch(e.deal.ID, e.done)
	}
	return deal, nil
}

func (p *Pipeline) register(e *dealEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deals[e.deal.ID] = e
	st, ok := p.sessions[e.deal.SessionID]
	if !ok {
		st = &sessionState{}
		p.sessions[e.deal.SessionID] = st
	}
	st.deals = append(st.deals, e.deal.ID)
}

// proposeOnce makes one proposal attempt to the best provider not yet tried
// for this deal. Caller holds e.mu.
func (p *Pipeline) proposeOnce(ctx context.Context, e *dealEntry) error {
	e.deal.Attempts++
	provider := p.selector.Pick(e.tried)
	e.tried[provider] = true

	var epoch models.Epoch
	err := p.call(ctx, "current epoch", func(ctx context.Context) error {
		ep, err := p.ledger.CurrentEpoch(ctx)
		epoch = ep
		return err
	})
	if err != nil {
		return err
	}

	window := models.ValidityWindow{Start: epoch + p.cfg.ConfirmationDelay}
	window.End = window.Start + p.cfg.RetentionEpochs
	prop := gateway.DealProposal{
		ContentAddress: e.deal.ContentAddress,
		Size:           e.deal.Size,
		Provider:       provider,
		Window:         window,
		PricePerEpoch:  e.deal.PricePerEpoch,
	}

	var proposalID string
	began := p.clock.Now()
	err = p.call(ctx, "propose deal", func(ctx context.Context) error {
		id, err := p.ledger.ProposeStorageDeal(ctx, prop)
		proposalID = id
		return err
	})
	if err != nil {
		e.deal.Provider = provider
		return err
	}
	p.selector.Observe(provider, p.clock.Since(began))

	e.deal.Provider = provider
	e.deal.ProposalID = proposalID
	e.deal.Window = window
	e.pollFailures = 0
	p.setStateLocked(e, models.DealProposed, "")
	return nil
}

// afterFailureLocked re-proposes to a fresh provider while the retry budget
// allows it and marks the deal failed once it does not. Caller holds e.mu.
func (p *Pipeline) afterFailureLocked(ctx context.Context, e *dealEntry, reason error) error {
	for {
		p.selector.Fail(e.deal.Provider)
		if e.deal.Attempts > p.cfg.RetryBudget || ctx.Err() != nil {
			p.setStateLocked(e, models.DealFailed, reason.Error())
			log.Errorw("deal failed", "deal", e.deal.ID, "attempts", e.deal.Attempts, "err", reason)
			return xerrors.Errorf("deal %s failed after %d attempts: %w", e.deal.ID, e.deal.Attempts, reason)
		}

		metrics.DealRetries.Inc()
		log.Warnw("re-proposing deal", "deal", e.deal.ID, "failed_provider", e.deal.Provider, "attempt", e.deal.Attempts+1, "err", reason)
		e.deal.LastError = reason.Error()
		err := p.proposeOnce(ctx, e)
		if err == nil {
			return nil
		}
		reason = err
	}
}

// setStateLocked records a transition and announces it. Caller holds e.mu.
func (p *Pipeline) setStateLocked(e *dealEntry, state models.DealState, reason string) {
	from := e.deal.State
	e.deal.State = state
	e.deal.UpdatedAt = p.clock.Now()
	if reason != "" {
		e.deal.LastError = reason
	}
	metrics.DealTransitions.WithLabelValues(string(state)).Inc()
	p.events.Publish(events.New(models.EventDealStateChanged, e.deal.SessionID, models.DealPayload{Deal: e.deal, From: from}))

	if state.Terminal() && !e.closed {
		e.closed = true
		close(e.done)
	}
}

// PollDealStatus queries the ledger for the deal's current proposal and
// applies any transition. A failed proposal is re-proposed to another
// provider until the retry budget is spent, after which the deal is
// terminally failed and the error returned.
func (p *Pipeline) PollDealStatus(ctx context.Context, dealID uuid.UUID) (models.StorageDeal, error) {
	e, err := p.entry(dealID)
	if err != nil {
		return models.StorageDeal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deal.State.Terminal() {
		return e.deal, nil
	}

	var status gateway.DealStatus
	err = p.call(ctx, "deal state", func(ctx context.Context) error {
		st, err := p.ledger.GetDealState(ctx, e.deal.ProposalID)
		status = st
		return err
	})
	if err != nil {
		e.pollFailures++
		if e.pollFailures < p.cfg.MaxPollFailures {
			return e.deal, err
		}
		return e.deal, p.afterFailureLocked(ctx, e, err)
	}
	e.pollFailures = 0

	switch {
	case status.State == models.DealFailed:
		reason := xerrors.Errorf("provider %s reported deal %s failed: %s", e.deal.Provider, e.deal.ProposalID, status.Message)
		return e.deal, p.afterFailureLocked(ctx, e, reason)
	case status.State != e.deal.State:
		if status.Provider != "" {
			e.deal.Provider = status.Provider
		}
		p.setStateLocked(e, status.State, "")
	}
	return e.deal, nil
}

func (p *Pipeline) watch(id uuid.UUID, done <-chan struct{}) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := p.clock.Ticker(p.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if _, err := p.PollDealStatus(p.ctx, id); err != nil {
					log.Warnw("deal poll failed", "deal", id, "err", err)
				}
			}
		}
	}()
}

// FinalizeSession flushes the session's partial batch and waits until every
// deal for the session is terminal or the finalize timeout elapses. The
// manifest lists every deal, failed ones included.
func (p *Pipeline) FinalizeSession(ctx context.Context, sessionID uuid.UUID) (models.ArchiveManifest, error) {
	if f, ok := p.finalized.Get(sessionID); ok {
		return f.manifest, nil
	}

	p.mu.Lock()
	st, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		m := models.ArchiveManifest{SessionID: sessionID, Entries: []models.ArchiveEntry{}}
		p.finalized.Add(sessionID, finalizedSession{manifest: m})
		return m, nil
	}
	st.finalizing = true
	batch := p.takeLocked(st)
	p.mu.Unlock()

	if batch != nil {
		if _, err := p.CommitBatch(ctx, sessionID, batch); err != nil {
			log.Errorw("final batch failed", "session", sessionID, "err", err)
		}
		st.inflight.Done()
	}

	timeout := p.clock.Timer(p.cfg.FinalizeTimeout)
	defer timeout.Stop()
	timedOut := false

	committed := make(chan struct{})
	go func() {
		st.inflight.Wait()
		close(committed)
	}()
	select {
	case <-committed:
	case <-timeout.C:
		timedOut = true
	case <-ctx.Done():
		return models.ArchiveManifest{}, ctx.Err()
	}

	p.mu.Lock()
	entries := make([]*dealEntry, 0, len(st.deals))
	done := false
	for _, id := range st.deals {
		e, ok := p.deals[id]
		if !ok {
			// a concurrent finalize already released the session
			done = true
			break
		}
		entries = append(entries, e)
	}
	p.mu.Unlock()
	if done {
		if f, ok := p.finalized.Get(sessionID); ok {
			return f.manifest, nil
		}
		return models.ArchiveManifest{}, xerrors.Errorf("archive for session %s finalized concurrently: %w", sessionID, models.ErrNotFound)
	}

	for _, e := range entries {
		if timedOut {
			break
		}
		select {
		case <-e.done:
		case <-timeout.C:
			timedOut = true
		case <-ctx.Done():
			return models.ArchiveManifest{}, ctx.Err()
		}
	}

	m := models.ArchiveManifest{SessionID: sessionID, Entries: make([]models.ArchiveEntry, 0, len(entries))}
	deals := make([]models.StorageDeal, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		d := e.deal
		e.mu.Unlock()
		if !d.State.Terminal() {
			timedOut = true
		}
		deals = append(deals, d)
		m.Entries = append(m.Entries, models.ArchiveEntry{DealID: d.ID, ContentAddress: d.ContentAddress, State: d.State})
	}
	m.TimedOut = timedOut

	if timedOut {
		log.Warnw("archive finalize timed out", "session", sessionID, "deals", len(entries))
		return m, nil
	}

	p.finalized.Add(sessionID, finalizedSession{manifest: m, deals: deals})
	p.mu.Lock()
	delete(p.sessions, sessionID)
	for _, e := range entries {
		delete(p.deals, e.deal.ID)
	}
	p.mu.Unlock()

	log.Infow("archive finalized", "session", sessionID, "deals", len(entries), "failed", len(m.Failed()))
	return m, nil
}

func (p *Pipeline) entry(id uuid.UUID) (*dealEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.deals[id]
	if !ok {
		return nil, xerrors.Errorf("deal %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

// Deal returns a snapshot of a deal that has not been finalized yet.
func (p *Pipeline) Deal(id uuid.UUID) (models.StorageDeal, error) {
	e, err := p.entry(id)
	if err != nil {
		return models.StorageDeal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deal, nil
}

// Status reports buffered segments and deals for a session, or the stored
// manifest once the session has been finalized.
func (p *Pipeline) Status(sessionID uuid.UUID) (models.ArchiveStatus, error) {
	if f, ok := p.finalized.Get(sessionID); ok {
		m := f.manifest
		return models.ArchiveStatus{SessionID: sessionID, Deals: f.deals, Manifest: &m}, nil
	}

	p.mu.Lock()
	st, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return models.ArchiveStatus{}, xerrors.Errorf("archive for session %s: %w", sessionID, models.ErrNotFound)
	}
	status := models.ArchiveStatus{
		SessionID:        sessionID,
		BufferedSegments: len(st.segments),
		BufferedBytes:    st.bytes,
	}
	entries := make([]*dealEntry, 0, len(st.deals))
	for _, id := range st.deals {
		entries = append(entries, p.deals[id])
	}
	p.mu.Unlock()

	status.Deals = make([]models.StorageDeal, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		status.Deals = append(status.Deals, e.deal)
		e.mu.Unlock()
	}
	return status, nil
}
