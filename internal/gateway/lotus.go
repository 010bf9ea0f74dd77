package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/models"
)

// cidRef is the JSON form of a CID on the Lotus API.
type cidRef struct {
	Str string `json:"/"`
}

type lotusTipSet struct {
	Height int64
}

type lotusDataRef struct {
	TransferType string
	Root         cidRef
}

type lotusStartDealParams struct {
	Data              lotusDataRef
	Wallet            string
	Miner             string
	EpochPrice        string
	MinBlocksDuration uint64
	DealStartEpoch    int64
	FastRetrieval     bool
	VerifiedDeal      bool
}

type lotusDealInfo struct {
	ProposalCid cidRef
	State       uint64
	Message     string
	Provider    string
}

type lotusChannelInfo struct {
	Channel      string
	WaitSentinel cidRef
}

type lotusVoucherCreateResult struct {
	Voucher   json.RawMessage
	Shortfall string
}

type lotusMessage struct {
	Version    uint64
	To         string
	From       string
	Nonce      uint64
	Value      string
	GasLimit   int64
	GasFeeCap  string
	GasPremium string
	Method     uint64
	Params     []byte
}

type lotusSignedMessage struct {
	Message lotusMessage
	CID     cidRef
}

type lotusPaychGetOpts struct {
	OffChain bool
}

// lotusAPI is the subset of the Lotus full node API used by LotusGateway.
type lotusAPI struct {
	Internal struct {
		ChainHead          func(ctx context.Context) (*lotusTipSet, error)
		ClientStartDeal    func(ctx context.Context, params *lotusStartDealParams) (*cidRef, error)
		ClientGetDealInfo  func(ctx context.Context, proposal cidRef) (*lotusDealInfo, error)
		PaychGet           func(ctx context.Context, from, to string, amt string, opts lotusPaychGetOpts) (*lotusChannelInfo, error)
		PaychVoucherCreate func(ctx context.Context, ch string, amt string, lane uint64) (*lotusVoucherCreateResult, error)
		PaychVoucherSubmit func(ctx context.Context, ch string, sv json.RawMessage, secret []byte, proof []byte) (cidRef, error)
		PaychSettle        func(ctx context.Context, ch string) (cidRef, error)
		MpoolPushMessage   func(ctx context.Context, msg *lotusMessage, spec *struct{}) (*lotusSignedMessage, error)
	}
}

type LotusOptions struct {
	Endpoint       string
	Token          string
	Wallet         string
	CallTimeout    time.Duration
	CallsPerSecond float64
}

// LotusGateway talks to a Lotus full node over JSON-RPC.
type LotusGateway struct {
	api     lotusAPI
	closer  jsonrpc.ClientCloser
	limiter *rate.Limiter
	wallet  string
	timeout time.Duration
}

func NewLotusGateway(ctx context.Context, opts LotusOptions) (*LotusGateway, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	g := &LotusGateway{
		wallet:  opts.Wallet,
		timeout: opts.CallTimeout,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if opts.CallsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.CallsPerSecond), int(opts.CallsPerSecond)+1)
	}

	closer, err := jsonrpc.NewMergeClient(ctx, opts.Endpoint, "Filecoin",
		[]interface{}{
			&g.api.Internal,
		},
		header,
	)
	if err != nil {
		return nil, xerrors.Errorf("connecting to lotus at %s: %w", opts.Endpoint, err)
	}
	g.closer = closer
	return g, nil
}

func (g *LotusGateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

func (g *LotusGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return Classify(op, err)
	}
	return Call(ctx, g.timeout, op, fn)
}

// attoFIL converts a FIL amount to the integer string the ledger expects.
// This is the only place where amounts are rounded.
func attoFIL(d decimal.Decimal) string {
	return models.Submittable(d).Shift(models.AmountScale).StringFixed(0)
}

func (g *LotusGateway) ProposeStorageDeal(ctx context.Context, p DealProposal) (string, error) {
	params := &lotusStartDealParams{
		Data: lotusDataRef{
			TransferType: "graphsync",
			Root:         cidRef{Str: p.ContentAddress},
		},
		Wallet:            g.wallet,
		Miner:             p.Provider,
		EpochPrice:        attoFIL(p.PricePerEpoch),
		MinBlocksDuration: uint64(p.Window.Duration()),
		DealStartEpoch:    int64(p.Window.Start),
		FastRetrieval:     true,
	}

	var proposal *cidRef
	err := g.call(ctx, "ClientStartDeal", func(ctx context.Context) error {
		var err error
		proposal, err = g.api.Internal.ClientStartDeal(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	if proposal == nil {
		return "", xerrors.Errorf("ClientStartDeal returned no proposal: %w", models.ErrGatewayError)
	}
	return proposal.Str, nil
}

// Storage market deal states as numbered by the Lotus markets module.
const (
	marketProposalNotFound = 1
	marketProposalRejected = 2
	marketStaged           = 4
	marketSealing          = 5
	marketFinalizing       = 6
	marketActive           = 7
	marketExpired          = 8
	marketSlashed          = 9
	marketRejecting        = 10
	marketFailing          = 11
	marketPublishing       = 25
	marketError            = 26
)

func mapMarketState(s uint64) models.DealState {
	switch s {
	case marketActive:
		return models.DealActive
	case marketExpired:
		return models.DealCompleted
	case marketProposalNotFound, marketProposalRejected, marketSlashed, marketRejecting, marketFailing, marketError:
		return models.DealFailed
	case marketStaged, marketSealing, marketFinalizing, marketPublishing:
		return models.DealPublished
	default:
		return models.DealProposed
	}
}

func (g *LotusGateway) GetDealState(ctx context.Context, proposalID string) (DealStatus, error) {
	var info *lotusDealInfo
	err := g.call(ctx, "ClientGetDealInfo", func(ctx context.Context) error {
		var err error
		info, err = g.api.Internal.ClientGetDealInfo(ctx, cidRef{Str: proposalID})
		return err
	})
	if err != nil {
		return DealStatus{}, err
	}
	return DealStatus{
		State:    mapMarketState(info.State),
		Provider: info.Provider,
		Message:  info.Message,
	}, nil
}

func (g *LotusGateway) OpenPaymentChannel(ctx context.Context, payer, payee string, funding decimal.Decimal) (string, error) {
	var info *lotusChannelInfo
	err := g.call(ctx, "PaychGet", func(ctx context.Context) error {
		var err error
		info, err = g.api.Internal.PaychGet(ctx, payer, payee, attoFIL(funding), lotusPaychGetOpts{})
		return err
	})
	if err != nil {
		return "", err
	}
	return info.Channel, nil
}

// SubmitVoucher creates a voucher on lane 0 for the cumulative amount and
// submits it. Lotus assigns the nonce; sequence is kept for correlation.
func (g *LotusGateway) SubmitVoucher(ctx context.Context, channelID string, cumulative decimal.Decimal, sequence uint64) error {
	return g.call(ctx, "PaychVoucherSubmit", func(ctx context.Context) error {
		res, err := g.api.Internal.PaychVoucherCreate(ctx, channelID, attoFIL(cumulative), 0)
		if err != nil {
			return err
		}
		if len(res.Voucher) == 0 || string(res.Voucher) == "null" {
			return xerrors.Errorf("voucher %d shortfall %s", sequence, res.Shortfall)
		}
		_, err = g.api.Internal.PaychVoucherSubmit(ctx, channelID, res.Voucher, nil, nil)
		return err
	})
}

func (g *LotusGateway) SettleChannel(ctx context.Context, channelID string) (string, error) {
	var msg cidRef
	err := g.call(ctx, "PaychSettle", func(ctx context.Context) error {
		var err error
		msg, err = g.api.Internal.PaychSettle(ctx, channelID)
		return err
	})
	if err != nil {
		return "", err
	}
	return msg.Str, nil
}

func (g *LotusGateway) CurrentEpoch(ctx context.Context) (models.Epoch, error) {
	var ts *lotusTipSet
	err := g.call(ctx, "ChainHead", func(ctx context.Context) error {
		var err error
		ts, err = g.api.Internal.ChainHead(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return models.Epoch(ts.Height), nil
}

func (g *LotusGateway) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	msg := &lotusMessage{
		To:         to,
		From:       g.wallet,
		Value:      attoFIL(amount),
		GasFeeCap:  "0",
		GasPremium: "0",
	}
	var signed *lotusSignedMessage
	err := g.call(ctx, "MpoolPushMessage", func(ctx context.Context) error {
		var err error
		signed, err = g.api.Internal.MpoolPushMessage(ctx, msg, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	return signed.CID.Str, nil
}
