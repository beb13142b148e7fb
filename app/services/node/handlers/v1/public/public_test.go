package public_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/p2pchain/app/services/node/handlers/v1/public"
	"github.com/ardanlabs/p2pchain/business/web/errs"
	"github.com/ardanlabs/p2pchain/business/web/mid"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/peer"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/state"
	"github.com/ardanlabs/p2pchain/foundation/events"
	"github.com/ardanlabs/p2pchain/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

type fakeNode struct {
	mu       sync.Mutex
	commands []string
}

func (fn *fakeNode) Blocks() []database.Block {
	return []database.Block{database.NewGenesisBlock()}
}

func (fn *fakeNode) Peers() []peer.Peer {
	return []peer.Peer{peer.New("peerA"), peer.New("peerB")}
}

func (fn *fakeNode) Info() state.NodeInfo {
	return state.NodeInfo{ID: "self", Difficulty: "00", ChainLength: 1}
}

func (fn *fakeNode) Submit(ctx context.Context, cmd string) error {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.commands = append(fn.commands, cmd)
	return nil
}

func newApp(node *fakeNode, evts *events.Events) *web.App {
	log := zap.NewNop().Sugar()

	h := public.Handlers{
		Log:   log,
		State: node,
		WS:    websocket.Upgrader{},
		Evts:  evts,
	}

	app := web.NewApp(nil, mid.Logger(log), mid.Errors(log), mid.Panics())
	app.Handle(http.MethodGet, "v1", "/events", h.Events)
	app.Handle(http.MethodGet, "v1", "/chain", h.Chain)
	app.Handle(http.MethodGet, "v1", "/chain/:id", h.Block)
	app.Handle(http.MethodGet, "v1", "/peers", h.Peers)
	app.Handle(http.MethodGet, "v1", "/node", h.Node)
	app.Handle(http.MethodPost, "v1", "/blocks", h.CreateBlock)

	return app
}

func Test_Queries(t *testing.T) {
	type table struct {
		name   string
		url    string
		status int
		body   string
	}

	tt := []table{
		{name: "chain", url: "/v1/chain", status: http.StatusOK, body: `"length":1`},
		{name: "block", url: "/v1/chain/0", status: http.StatusOK, body: `"payload":"Genesis"`},
		{name: "missing-block", url: "/v1/chain/7", status: http.StatusNotFound, body: "block 7 not found"},
		{name: "bad-block", url: "/v1/chain/abc", status: http.StatusBadRequest, body: "invalid block id"},
		{name: "peers", url: "/v1/peers", status: http.StatusOK, body: `"peers":["peerA","peerB"]`},
		{name: "node", url: "/v1/node", status: http.StatusOK, body: `"id":"self"`},
	}

	t.Log("Given the need to query the node.")
	{
		app := newApp(&fakeNode{}, events.New())

		for testID, tst := range tt {
			f := func(t *testing.T) {
				r := httptest.NewRequest(http.MethodGet, tst.url, nil)
				w := httptest.NewRecorder()
				app.ServeHTTP(w, r)

				if w.Code != tst.status {
					t.Logf("\t%s\tTest %d:\tgot: %d", failed, testID, w.Code)
					t.Logf("\t%s\tTest %d:\texp: %d", failed, testID, tst.status)
					t.Fatalf("\t%s\tTest %d:\tShould receive the right status code.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould receive the right status code.", success, testID)

				if !strings.Contains(w.Body.String(), tst.body) {
					t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, w.Body.String())
					t.Fatalf("\t%s\tTest %d:\tShould receive the right body.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould receive the right body.", success, testID)
			}

			t.Run(tst.name, f)
		}
	}
}

func Test_CreateBlock(t *testing.T) {
	t.Log("Given the need to create blocks over the API.")
	{
		node := fakeNode{}
		app := newApp(&node, events.New())

		r := httptest.NewRequest(http.MethodPost, "/v1/blocks", strings.NewReader(`{"payload":"hello\n  world"}`))
		w := httptest.NewRecorder()
		app.ServeHTTP(w, r)

		if w.Code != http.StatusAccepted {
			t.Fatalf("\t%s\tShould accept the block: %d: %s", failed, w.Code, w.Body.String())
		}
		t.Logf("\t%s\tShould accept the block.", success)

		if len(node.commands) != 1 || node.commands[0] != "create b hello world" {
			t.Fatalf("\t%s\tShould submit a single line create command: %q", failed, node.commands)
		}
		t.Logf("\t%s\tShould submit a single line create command.", success)

		r = httptest.NewRequest(http.MethodPost, "/v1/blocks", strings.NewReader(`{"payload":""}`))
		w = httptest.NewRecorder()
		app.ServeHTTP(w, r)

		var resp errs.Response
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("\t%s\tShould be able to decode the error: %v", failed, err)
		}

		if w.Code != http.StatusBadRequest || resp.Fields["payload"] == "" {
			t.Fatalf("\t%s\tShould reject an empty payload: %d: %s", failed, w.Code, w.Body.String())
		}
		t.Logf("\t%s\tShould reject an empty payload.", success)

		r = httptest.NewRequest(http.MethodPost, "/v1/blocks", strings.NewReader(`{"payload":"x","extra":1}`))
		w = httptest.NewRecorder()
		app.ServeHTTP(w, r)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("\t%s\tShould reject unknown fields: %d", failed, w.Code)
		}
		t.Logf("\t%s\tShould reject unknown fields.", success)
	}
}

func Test_Events(t *testing.T) {
	t.Log("Given the need to stream node events over a websocket.")
	{
		evts := events.New()
		srv := httptest.NewServer(newApp(&fakeNode{}, evts))
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to connect: %v", failed, err)
		}
		defer c.Close()
		t.Logf("\t%s\tShould be able to connect.", success)

		// Wait for the handler to register before sending.
		for evts.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		evts.Send("state: blk[1] added")

		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to read an event: %v", failed, err)
		}

		if string(msg) != "state: blk[1] added" {
			t.Fatalf("\t%s\tShould receive the event: %s", failed, msg)
		}
		t.Logf("\t%s\tShould receive the event.", success)

		evts.Shutdown()
	}
}
