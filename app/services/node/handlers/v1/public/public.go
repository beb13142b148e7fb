// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ardanlabs/p2pchain/business/web/errs"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/peer"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/state"
	"github.com/ardanlabs/p2pchain/foundation/events"
	"github.com/ardanlabs/p2pchain/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Node represents the behavior of the node required by the handlers.
type Node interface {
	Blocks() []database.Block
	Peers() []peer.Peer
	Info() state.NodeInfo
	Submit(ctx context.Context, cmd string) error
}

// Handlers manages the set of node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State Node
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

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

// Chain returns the latest snapshot of the local chain.
func (h Handlers) Chain(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	blocks := h.State.Blocks()

	resp := Chain{
		Length: len(blocks),
		Blocks: blocks,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Block returns the block with the specified id.
func (h Handlers) Block(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseUint(web.Param(r, "id"), 10, 64)
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("invalid block id: %w", err), http.StatusBadRequest)
	}

	blocks := h.State.Blocks()
	if id >= uint64(len(blocks)) {
		return errs.NewTrusted(fmt.Errorf("block %d not found", id), http.StatusNotFound)
	}

	return web.Respond(ctx, w, blocks[id], http.StatusOK)
}

// Peers returns the set of discovered peers.
func (h Handlers) Peers(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	peers := h.State.Peers()

	resp := Peers{
		Count: len(peers),
		Peers: make([]string, len(peers)),
	}
	for i, p := range peers {
		resp.Peers[i] = p.ID
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Node returns information about this node.
func (h Handlers) Node(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Info(), http.StatusOK)
}

// CreateBlock queues a new block with the payload to be mined.
func (h Handlers) CreateBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var cb CreateBlock
	if err := web.Decode(r, &cb); err != nil {
		return errs.NewTrusted(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	payload := strings.Join(strings.Fields(cb.Payload), " ")

	h.Log.Infow("create block", "traceid", v.TraceID, "payload", payload)

	if err := h.State.Submit(ctx, "create b "+payload); err != nil {
		if errors.Is(err, state.ErrNotRunning) {
			return errs.NewTrusted(err, http.StatusServiceUnavailable)
		}
		return err
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "block queued for mining",
	}

	return web.Respond(ctx, w, resp, http.StatusAccepted)
}
