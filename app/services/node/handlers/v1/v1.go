// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/ardanlabs/blockstore/app/services/node/handlers/v1/private"
	"github.com/ardanlabs/blockstore/app/services/node/handlers/v1/public"
	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/ardanlabs/blockstore/foundation/events"
	"github.com/ardanlabs/blockstore/foundation/nameservice"
	"github.com/ardanlabs/blockstore/foundation/web"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log         *zap.SugaredLogger
	State       *state.State
	Peers       *peer.PeerSet
	Host        string
	Beneficiary string
	NS          *nameservice.NameService
	Evts        *events.Events
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		NS:    cfg.NS,
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/genesis", pbl.Genesis)
	app.Handle(http.MethodGet, version, "/chain/best", pbl.Best)
	app.Handle(http.MethodGet, version, "/chain/block/:hash", pbl.BlockByHash)
	app.Handle(http.MethodGet, version, "/chain/height/:height", pbl.BlockByHeight)
	app.Handle(http.MethodGet, version, "/utxo/:address", pbl.UTXOs)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:         cfg.Log,
		State:       cfg.State,
		Peers:       cfg.Peers,
		Host:        cfg.Host,
		Beneficiary: cfg.Beneficiary,
	}

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodGet, version, "/node/blocks", prv.Blocks)
	app.Handle(http.MethodPost, version, "/node/block", prv.SubmitBlock)
	app.Handle(http.MethodPost, version, "/node/header", prv.SubmitHeader)
	app.Handle(http.MethodPost, version, "/node/peers", prv.AddPeer)
	app.Handle(http.MethodPost, version, "/node/mine", prv.Mine)
}
