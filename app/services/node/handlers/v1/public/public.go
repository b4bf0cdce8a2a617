// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ardanlabs/blockstore/business/web/errs"
	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/ardanlabs/blockstore/foundation/events"
	"github.com/ardanlabs/blockstore/foundation/nameservice"
	"github.com/ardanlabs/blockstore/foundation/web"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of chain query endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	id, err := uuid.Parse(v.TraceID)
	if err != nil {
		return fmt.Errorf("parsing trace id: %w", err)
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(id)
	defer h.Evts.Release(id)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Genesis returns the chain parameters.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen := h.State.Genesis()
	return web.Respond(ctx, w, gen, http.StatusOK)
}

// Best returns the head of the best chain and the best known header.
func (h Handlers) Best(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	status := h.State.Status()

	resp := struct {
		Best       block  `json:"best"`
		BestHeader block  `json:"best_header"`
		Blocks     int    `json:"blocks"`
		Orphans    int    `json:"orphans"`
		Frozen     string `json:"frozen,omitempty"`
	}{
		Best:       toBlock(h.NS, status.Best, database.Block{}),
		BestHeader: toBlock(h.NS, status.BestHeader, database.Block{}),
		Blocks:     status.Blocks,
		Orphans:    status.Orphans,
	}

	if status.Frozen != nil {
		resp.Frozen = status.Frozen.Error()
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// BlockByHash returns the block with the specified hash.
func (h Handlers) BlockByHash(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	hash, err := chainhash.NewHashFromStr(web.Param(r, "hash"))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	blk, n, err := h.State.BlockByHash(*hash)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return errs.NewTrusted(err, http.StatusNotFound)
		}
		return fmt.Errorf("block by hash: %w", err)
	}

	return web.Respond(ctx, w, toBlock(h.NS, n, blk), http.StatusOK)
}

// BlockByHeight returns the best chain block at the specified height.
func (h Handlers) BlockByHeight(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := strconv.ParseUint(web.Param(r, "height"), 10, 64)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	blk, n, err := h.State.BlockByHeight(height)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return errs.NewTrusted(err, http.StatusNotFound)
		}
		return fmt.Errorf("block by height: %w", err)
	}

	return web.Respond(ctx, w, toBlock(h.NS, n, blk), http.StatusOK)
}

// UTXOs returns the unspent outputs owned by the specified address.
func (h Handlers) UTXOs(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	address, err := database.ToAddress(web.Param(r, "address"))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	list, err := h.State.UTXOsByOwner(address)
	if err != nil {
		return fmt.Errorf("utxos by owner: %w", err)
	}

	info := utxoInfo{
		Address:   address,
		Name:      h.NS.Lookup(address),
		BestBlock: h.State.BestBlock().Hash.String(),
		UTXOs:     make([]utxo, len(list)),
	}

	for i, u := range list {
		info.Balance += u.Value
		info.UTXOs[i] = utxo{
			TxID:     u.OutPoint.TxID.String(),
			Index:    u.OutPoint.Index,
			Value:    u.Value,
			Height:   u.Height,
			Coinbase: u.Coinbase,
		}
	}

	return web.Respond(ctx, w, info, http.StatusOK)
}
