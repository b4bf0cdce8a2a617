// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ardanlabs/blockstore/business/web/errs"
	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/index"
	"github.com/ardanlabs/blockstore/foundation/blockchain/ledger"
	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/ardanlabs/blockstore/foundation/blockchain/validator"
	"github.com/ardanlabs/blockstore/foundation/validate"
	"github.com/ardanlabs/blockstore/foundation/web"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"
)

// maxBlocks bounds the blocks returned for one request.
const maxBlocks = 500

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log         *zap.SugaredLogger
	State       *state.State
	Peers       *peer.PeerSet
	Host        string
	Beneficiary string
}

type result struct {
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
}

// SubmitBlock takes a block from a peer and hands it to the chain store. A
// block that becomes the best chain head is answered with 200, one that is
// kept as an orphan or on a side chain with 202.
func (h Handlers) SubmitBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var msg peer.BlockMessage
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewTrusted(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(msg); err != nil {
		return err
	}

	hash := msg.Block.Hash()

	// Remember who sent the block so a rejection can be charged to them.
	if msg.From != "" && !strings.EqualFold(msg.From, h.Host) {
		pr := peer.New(msg.From)
		h.Peers.Add(pr)
		h.Peers.Announce(pr, hash)
	}

	h.Log.Infow("submit block", "traceid", v.TraceID, "from", msg.From, "blk", hash, "prevBlk", msg.Block.Header.PrevBlock)

	if err := h.State.EmitBlock(msg.Block); err != nil {
		switch {
		case state.IsDuplicate(err):
			return web.Respond(ctx, w, result{Status: "duplicate", Hash: hash.String()}, http.StatusAccepted)

		case validator.IsValidationError(err):
			ve := validator.GetValidationError(err)
			return errs.NewTrustedCode(err, http.StatusBadRequest, ve.Code.String())

		case errors.Is(err, state.ErrFrozen), errors.Is(err, ledger.ErrReadOnly):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		}

		return fmt.Errorf("emit block: %w", err)
	}

	if h.State.BestBlock().Hash != hash {
		return web.Respond(ctx, w, result{Status: "accepted", Hash: hash.String()}, http.StatusAccepted)
	}

	return web.Respond(ctx, w, result{Status: "best", Hash: hash.String()}, http.StatusOK)
}

// SubmitHeader takes a header from a peer for headers first synchronization.
func (h Handlers) SubmitHeader(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var msg peer.HeaderMessage
	if err := web.Decode(r, &msg); err != nil {
		return errs.NewTrusted(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(msg); err != nil {
		return err
	}

	hash := msg.Header.Hash()

	if msg.From != "" && !strings.EqualFold(msg.From, h.Host) {
		pr := peer.New(msg.From)
		h.Peers.Add(pr)
		h.Peers.Announce(pr, hash)
	}

	if err := h.State.AcceptHeader(msg.Header); err != nil {
		switch {
		case errors.Is(err, index.ErrOrphanHeader):
			return web.Respond(ctx, w, result{Status: "orphan", Hash: hash.String()}, http.StatusAccepted)

		case validator.IsValidationError(err):
			ve := validator.GetValidationError(err)
			return errs.NewTrustedCode(err, http.StatusBadRequest, ve.Code.String())

		case errors.Is(err, state.ErrFrozen), errors.Is(err, ledger.ErrReadOnly):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		}

		return fmt.Errorf("accept header: %w", err)
	}

	return web.Respond(ctx, w, result{Status: "accepted", Hash: hash.String()}, http.StatusOK)
}

// Blocks returns the best chain blocks that follow the first locator hash
// this node knows, up to and including the stop hash.
func (h Handlers) Blocks(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	var locator []chainhash.Hash
	if s := q.Get("locator"); s != "" {
		for _, hs := range strings.Split(s, ",") {
			hash, err := chainhash.NewHashFromStr(hs)
			if err != nil {
				return errs.NewTrusted(fmt.Errorf("locator: %w", err), http.StatusBadRequest)
			}
			locator = append(locator, *hash)
		}
	}

	var stop chainhash.Hash
	if s := q.Get("stop"); s != "" {
		hash, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return errs.NewTrusted(fmt.Errorf("stop: %w", err), http.StatusBadRequest)
		}
		stop = *hash
	}

	limit := maxBlocks
	if s := q.Get("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return errs.NewTrusted(fmt.Errorf("max: invalid value %q", s), http.StatusBadRequest)
		}
		limit = min(n, maxBlocks)
	}

	blocks, err := h.State.BlocksAfter(locator, stop, limit)
	if err != nil {
		return fmt.Errorf("blocks after: %w", err)
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// Status returns the current status of the node.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	best := h.State.BestBlock()

	status := peer.PeerStatus{
		BestHash:   best.Hash,
		BestHeight: best.Height,
		KnownPeers: h.Peers.Copy(h.Host),
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// AddPeer adds a peer to the list of known peers.
func (h Handlers) AddPeer(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var pr peer.Peer
	if err := web.Decode(r, &pr); err != nil {
		return errs.NewTrusted(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(pr); err != nil {
		return err
	}

	if !pr.Match(h.Host) && h.Peers.Add(pr) {
		h.Log.Infow("add peer", "traceid", v.TraceID, "host", pr.Host)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// MineRequest holds the signed transactions to include in a mined block.
type MineRequest struct {
	Txs []database.Tx `json:"txs"`
}

// Mine mines a block on top of the best chain paying the node beneficiary.
// The request body is optional and may carry signed transactions to include.
func (h Handlers) Mine(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if h.Beneficiary == "" {
		return errs.NewTrusted(errors.New("node has no beneficiary"), http.StatusConflict)
	}

	var req MineRequest
	if err := web.Decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return errs.NewTrusted(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	block, err := h.State.MineNewBlock(ctx, h.Beneficiary, req.Txs)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrFrozen), errors.Is(err, ledger.ErrReadOnly):
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		case errors.Is(err, state.ErrBadBeneficiary):
			return errs.NewTrusted(err, http.StatusConflict)
		case validator.IsValidationError(err):
			ve := validator.GetValidationError(err)
			return errs.NewTrustedCode(err, http.StatusBadRequest, ve.Code.String())
		case errors.Is(err, state.ErrBadTx):
			return errs.NewTrusted(err, http.StatusBadRequest)
		}
		return fmt.Errorf("mine: %w", err)
	}

	return web.Respond(ctx, w, result{Status: "mined", Hash: block.Hash().String()}, http.StatusOK)
}
