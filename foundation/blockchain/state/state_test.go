package state_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/network"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/peer"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/state"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/worker"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const testDifficulty = "0"

// =============================================================================

// fakeNetwork records what the event loop publishes and lets the test inject
// inbound gossip.
type fakeNetwork struct {
	id       string
	peers    []peer.Peer
	inbound  chan network.Message
	conns    chan network.ConnEvent
	mu       sync.Mutex
	requests []network.ChainRequest
	resps    []network.ChainResponse
	blocks   []database.Block
}

func newFakeNetwork(id string, peers ...string) *fakeNetwork {
	fn := fakeNetwork{
		id:      id,
		inbound: make(chan network.Message),
		conns:   make(chan network.ConnEvent),
	}
	for _, p := range peers {
		fn.peers = append(fn.peers, peer.New(p))
	}
	return &fn
}

func (fn *fakeNetwork) ID() string {
	return fn.id
}

func (fn *fakeNetwork) Addrs() []string {
	return []string{"/ip4/127.0.0.1/tcp/4001/p2p/" + fn.id}
}

func (fn *fakeNetwork) Peers() []peer.Peer {
	return fn.peers
}

func (fn *fakeNetwork) Inbound() <-chan network.Message {
	return fn.inbound
}

func (fn *fakeNetwork) ConnEvents() <-chan network.ConnEvent {
	return fn.conns
}

func (fn *fakeNetwork) PublishChainRequest(ctx context.Context, req network.ChainRequest) error {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.requests = append(fn.requests, req)
	return nil
}

func (fn *fakeNetwork) PublishChainResponse(ctx context.Context, resp network.ChainResponse) error {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.resps = append(fn.resps, resp)
	return nil
}

func (fn *fakeNetwork) PublishBlock(ctx context.Context, block database.Block) error {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.blocks = append(fn.blocks, block)
	return nil
}

func (fn *fakeNetwork) published() ([]network.ChainRequest, []network.ChainResponse, []database.Block) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return append([]network.ChainRequest{}, fn.requests...), append([]network.ChainResponse{}, fn.resps...), append([]database.Block{}, fn.blocks...)
}

// syncBuffer is a buffer that is safe to read while the event loop writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.String()
}

// =============================================================================

type node struct {
	state  *state.State
	net    *fakeNetwork
	out    *syncBuffer
	cancel context.CancelFunc
	runErr chan error
}

func startNode(t *testing.T, id string, peers ...string) *node {
	t.Helper()

	w := worker.New(testDifficulty, nil)
	t.Cleanup(w.Shutdown)

	n := runNode(t, newFakeNetwork(id, peers...), state.Config{Miner: w})
	waitFor(t, "genesis", func() bool { return len(n.state.Blocks()) == 1 })

	return n
}

// runNode starts the event loop over the network with the configuration.
// Unset values use the test defaults.
func runNode(t *testing.T, net *fakeNetwork, cfg state.Config) *node {
	t.Helper()

	out := syncBuffer{}

	cfg.Network = net
	cfg.Out = &out
	if cfg.Difficulty == "" {
		cfg.Difficulty = testDifficulty
	}
	if cfg.InitDelay == 0 {
		cfg.InitDelay = 10 * time.Millisecond
	}

	st, err := state.New(cfg)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the state: %v", failed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := node{
		state:  st,
		net:    net,
		out:    &out,
		cancel: cancel,
		runErr: make(chan error, 1),
	}

	go func() {
		n.runErr <- st.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-n.runErr
	})

	return &n
}

// stopped waits for the event loop to return and hands back its error.
func (n *node) stopped(t *testing.T) error {
	t.Helper()

	select {
	case err := <-n.runErr:
		n.runErr <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("\t%s\tShould see the event loop stop in time.", failed)
	}
	return nil
}

func (n *node) submit(t *testing.T, cmd string) {
	t.Helper()

	if err := n.state.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("\t%s\tShould be able to submit %q: %v", failed, cmd, err)
	}
}

func (n *node) deliver(t *testing.T, msg network.Message) {
	t.Helper()

	select {
	case n.net.inbound <- msg:
	case <-time.After(5 * time.Second):
		t.Fatalf("\t%s\tShould be able to deliver a message.", failed)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("\t%s\tShould see %s in time.", failed, what)
}

// =============================================================================

func Test_Startup(t *testing.T) {
	t.Log("Given the need to initialize the node after the init delay.")
	{
		n := startNode(t, "self", "peerA", "peerC", "peerB")

		t.Logf("\t%s\tShould create the genesis block.", success)

		waitFor(t, "a chain request", func() bool {
			reqs, _, _ := n.net.published()
			return len(reqs) == 1
		})

		reqs, _, _ := n.net.published()
		if reqs[0].FromPeerID != "peerB" {
			t.Logf("\t%s\tgot: %s", failed, reqs[0].FromPeerID)
			t.Logf("\t%s\texp: %s", failed, "peerB")
			t.Fatalf("\t%s\tShould request the chain of the last peer.", failed)
		}
		t.Logf("\t%s\tShould request the chain of the last peer.", success)
	}
}

func Test_Commands(t *testing.T) {
	t.Log("Given the need to handle console commands.")
	{
		n := startNode(t, "self", "peerA")

		n.submit(t, "ls p")
		waitFor(t, "the peer list", func() bool { return strings.Contains(n.out.String(), "peerA") })
		t.Logf("\t%s\tShould list the discovered peers.", success)

		n.submit(t, "ls chain")
		waitFor(t, "the chain", func() bool { return strings.Contains(n.out.String(), `"payload": "Genesis"`) })
		t.Logf("\t%s\tShould print the chain on a prefix match.", success)

		n.submit(t, "send 10 to bob")
		waitFor(t, "the stub", func() bool { return strings.Contains(n.out.String(), "not implemented") })
		t.Logf("\t%s\tShould recognize the send command.", success)

		n.submit(t, "ls x")
		waitFor(t, "unknown command", func() bool { return strings.Contains(n.out.String(), `unknown command: "ls x"`) })
		t.Logf("\t%s\tShould report an unknown command.", success)

		n.submit(t, "create b  hello world ")
		waitFor(t, "a mined block", func() bool { return len(n.state.Blocks()) == 2 })

		block := n.state.Blocks()[1]
		if block.Payload != "hello world" || len(block.Transfers) != 2 || block.Transfers[0].Amount != 10 {
			t.Fatalf("\t%s\tShould mine the payload with the example transfers: %+v", failed, block)
		}
		t.Logf("\t%s\tShould mine the payload with the example transfers.", success)

		waitFor(t, "a broadcast block", func() bool {
			_, _, blocks := n.net.published()
			return len(blocks) == 1 && blocks[0].Hash == block.Hash
		})
		t.Logf("\t%s\tShould broadcast the mined block.", success)
	}
}

func Test_ChainRequest(t *testing.T) {
	t.Log("Given the need to answer chain requests addressed to this node.")
	{
		n := startNode(t, "self")

		n.deliver(t, network.Message{
			Kind:         network.KindChainRequest,
			Source:       "other",
			ChainRequest: network.ChainRequest{FromPeerID: "someone-else"},
		})

		n.deliver(t, network.Message{
			Kind:         network.KindChainRequest,
			Source:       "asker",
			ChainRequest: network.ChainRequest{FromPeerID: "self"},
		})

		waitFor(t, "a chain response", func() bool {
			_, resps, _ := n.net.published()
			return len(resps) > 0
		})

		_, resps, _ := n.net.published()
		if len(resps) != 1 || resps[0].Receiver != "asker" || len(resps[0].Blocks) != 1 {
			t.Fatalf("\t%s\tShould only answer the request addressed to us: %+v", failed, resps)
		}
		t.Logf("\t%s\tShould only answer the request addressed to us.", success)
	}
}

func Test_InboundBlock(t *testing.T) {
	t.Log("Given the need to append blocks broadcast by other nodes.")
	{
		n := startNode(t, "self")
		genesis := n.state.Blocks()[0]

		block := mine(t, genesis, "remote")

		bad := block
		bad.Payload = "tampered"
		n.deliver(t, network.Message{Kind: network.KindBlock, Source: "other", Block: bad})

		n.deliver(t, network.Message{Kind: network.KindBlock, Source: "other", Block: block})
		waitFor(t, "the appended block", func() bool { return len(n.state.Blocks()) == 2 })

		if got := n.state.Blocks()[1]; got.Hash != block.Hash {
			t.Fatalf("\t%s\tShould append the valid block only: %+v", failed, got)
		}
		t.Logf("\t%s\tShould append the valid block only.", success)

		stale := mine(t, genesis, "stale")
		n.deliver(t, network.Message{Kind: network.KindBlock, Source: "other", Block: stale})

		n.submit(t, "ls c")
		waitFor(t, "the chain", func() bool { return strings.Contains(n.out.String(), "Local Blockchain:") })

		if len(n.state.Blocks()) != 2 {
			t.Fatalf("\t%s\tShould leave the chain unchanged for a stale block.", failed)
		}
		t.Logf("\t%s\tShould leave the chain unchanged for a stale block.", success)
	}
}

func Test_Sync(t *testing.T) {
	t.Log("Given two nodes where one is behind.")
	{
		ahead := startNode(t, "ahead")
		behind := startNode(t, "behind", "ahead")

		ahead.submit(t, "create b one")
		waitFor(t, "block one", func() bool { return len(ahead.state.Blocks()) == 2 })
		ahead.submit(t, "create b two")
		waitFor(t, "block two", func() bool { return len(ahead.state.Blocks()) == 3 })

		// Route the request from the behind node to the ahead node.
		reqs, _, _ := behind.net.published()
		if len(reqs) != 1 || reqs[0].FromPeerID != "ahead" {
			t.Fatalf("\t%s\tShould have requested the chain from the peer: %+v", failed, reqs)
		}
		ahead.deliver(t, network.Message{Kind: network.KindChainRequest, Source: "behind", ChainRequest: reqs[0]})

		waitFor(t, "a chain response", func() bool {
			_, resps, _ := ahead.net.published()
			return len(resps) == 1
		})

		_, resps, _ := ahead.net.published()
		behind.deliver(t, network.Message{Kind: network.KindChainResponse, Source: "ahead", ChainResponse: resps[0]})

		waitFor(t, "the adopted chain", func() bool { return len(behind.state.Blocks()) == 3 })
		t.Logf("\t%s\tShould adopt the longer remote chain.", success)

		// A longer valid chain addressed to another node is ignored.
		longer := append(resps[0].Blocks, mine(t, resps[0].Blocks[2], "elsewhere"))
		ahead.deliver(t, network.Message{
			Kind:          network.KindChainResponse,
			Source:        "behind",
			ChainResponse: network.ChainResponse{Blocks: longer, Receiver: "nobody"},
		})

		// The loop only takes the command once the response was handled.
		ahead.submit(t, "ls c")

		if len(ahead.state.Blocks()) != 3 {
			t.Fatalf("\t%s\tShould ignore responses for other nodes.", failed)
		}
		t.Logf("\t%s\tShould ignore responses for other nodes.", success)

		behind.submit(t, "create b three")
		waitFor(t, "block three", func() bool { return len(behind.state.Blocks()) == 4 })

		// The new block from the behind node extends the ahead node.
		_, _, blocks := behind.net.published()
		ahead.deliver(t, network.Message{Kind: network.KindBlock, Source: "behind", Block: blocks[len(blocks)-1]})

		waitFor(t, "the shared block", func() bool { return len(ahead.state.Blocks()) == 4 })
		t.Logf("\t%s\tShould accept a block mined on the shared chain.", success)
	}
}

func Test_Fork(t *testing.T) {
	t.Log("Given two nodes that mined competing blocks on the same chain.")
	{
		a := startNode(t, "a")
		b := startNode(t, "b")

		a.submit(t, "create b from-a")
		b.submit(t, "create b from-b")
		waitFor(t, "both blocks", func() bool { return len(a.state.Blocks()) == 2 && len(b.state.Blocks()) == 2 })

		// Equal length, the local chain wins.
		a.deliver(t, network.Message{
			Kind:          network.KindChainResponse,
			Source:        "b",
			ChainResponse: network.ChainResponse{Blocks: b.state.Blocks(), Receiver: "a"},
		})
		a.submit(t, "ls c")
		waitFor(t, "the chain", func() bool { return strings.Contains(a.out.String(), "Local Blockchain:") })

		if got := a.state.Blocks()[1].Payload; got != "from-a" {
			t.Fatalf("\t%s\tShould keep the local chain on a tie: %s", failed, got)
		}
		t.Logf("\t%s\tShould keep the local chain on a tie.", success)

		b.submit(t, "create b b-again")
		waitFor(t, "the longer fork", func() bool { return len(b.state.Blocks()) == 3 })

		a.deliver(t, network.Message{
			Kind:          network.KindChainResponse,
			Source:        "b",
			ChainResponse: network.ChainResponse{Blocks: b.state.Blocks(), Receiver: "a"},
		})
		waitFor(t, "the switched fork", func() bool {
			blocks := a.state.Blocks()
			return len(blocks) == 3 && blocks[2].Payload == "b-again"
		})
		t.Logf("\t%s\tShould switch to the longer fork.", success)
	}
}

func Test_SubmitStopped(t *testing.T) {
	t.Log("Given the need to reject commands once the loop stopped.")
	{
		n := startNode(t, "self")
		n.cancel()

		if err := n.stopped(t); err != nil {
			t.Fatalf("\t%s\tShould stop cleanly: %v", failed, err)
		}
		t.Logf("\t%s\tShould stop cleanly.", success)

		if err := n.state.Submit(context.Background(), "ls p"); !errors.Is(err, state.ErrNotRunning) {
			t.Fatalf("\t%s\tShould not accept commands: %v", failed, err)
		}
		t.Logf("\t%s\tShould not accept commands.", success)
	}
}

func Test_MiningRestart(t *testing.T) {
	t.Log("Given the need to mine on the latest tip.")
	{
		miner := blockingMiner{}
		n := runNode(t, newFakeNetwork("self"), state.Config{Miner: &miner})
		waitFor(t, "genesis", func() bool { return len(n.state.Blocks()) == 1 })
		genesis := n.state.Blocks()[0]

		n.submit(t, "create b x")
		waitFor(t, "the first job", func() bool { return len(miner.started()) == 1 })

		if job := miner.started()[0]; job.PrevBlock.ID != 0 || job.Payload != "x" {
			t.Fatalf("\t%s\tShould mine the payload on genesis: %+v", failed, job)
		}
		t.Logf("\t%s\tShould mine the payload on genesis.", success)

		block := mine(t, genesis, "remote")
		n.deliver(t, network.Message{Kind: network.KindBlock, Source: "other", Block: block})

		waitFor(t, "the second job", func() bool { return len(miner.started()) == 2 })

		job := miner.started()[1]
		if job.PrevBlock.ID != 1 || job.PrevBlock.Hash != block.Hash || job.Payload != "x" {
			t.Logf("\t%s\tgot: prev[%d] payload[%s]", failed, job.PrevBlock.ID, job.Payload)
			t.Logf("\t%s\texp: prev[%d] payload[%s]", failed, 1, "x")
			t.Fatalf("\t%s\tShould restart the job on the new tip.", failed)
		}
		t.Logf("\t%s\tShould restart the job on the new tip.", success)

		if !miner.cancelled(0) {
			t.Fatalf("\t%s\tShould cancel the job mining on the old tip.", failed)
		}
		t.Logf("\t%s\tShould cancel the job mining on the old tip.", success)

		if got := n.state.Info().Mining; got != 1 {
			t.Fatalf("\t%s\tShould still count one queued block: %d", failed, got)
		}
		t.Logf("\t%s\tShould still count one queued block.", success)
	}
}

func Test_ForkChoiceFatal(t *testing.T) {
	t.Log("Given a local chain and a remote chain that are both invalid.")
	{
		genesis := database.NewGenesisBlock()

		local := mine(t, genesis, "local")
		local.PreviousHash = strings.Repeat("f", 64)

		remote := mine(t, genesis, "remote")
		remote.Payload = "tampered"

		chain := database.NewChain(testDifficulty, nil)
		chain.Replace([]database.Block{genesis, local})

		w := worker.New(testDifficulty, nil)
		t.Cleanup(w.Shutdown)

		n := runNode(t, newFakeNetwork("self"), state.Config{Miner: w, Chain: chain})

		n.deliver(t, network.Message{
			Kind:          network.KindChainResponse,
			Source:        "other",
			ChainResponse: network.ChainResponse{Blocks: []database.Block{genesis, remote}, Receiver: "self"},
		})

		err := n.stopped(t)
		if !errors.Is(err, database.ErrForkChoiceInconsistency) {
			t.Fatalf("\t%s\tShould stop with a fork choice inconsistency: %v", failed, err)
		}
		t.Logf("\t%s\tShould stop with a fork choice inconsistency.", success)
	}
}

func Test_ResponseQueueFull(t *testing.T) {
	t.Log("Given more chain requests than the response queue can hold.")
	{
		const requests = 200

		// The loop picks between ready cases at random, queuing every request
		// up front makes sure two requests land before a response drains.
		net := newFakeNetwork("self")
		net.inbound = make(chan network.Message, requests)
		for i := 0; i < requests; i++ {
			net.inbound <- network.Message{
				Kind:         network.KindChainRequest,
				Source:       "asker",
				ChainRequest: network.ChainRequest{FromPeerID: "self"},
			}
		}

		w := worker.New(testDifficulty, nil)
		t.Cleanup(w.Shutdown)

		n := runNode(t, net, state.Config{Miner: w, ResponseBuffer: 1, InitDelay: time.Hour})

		err := n.stopped(t)
		if !errors.Is(err, state.ErrChannelFailure) {
			t.Fatalf("\t%s\tShould stop with a channel failure: %v", failed, err)
		}
		t.Logf("\t%s\tShould stop with a channel failure.", success)
	}
}

// =============================================================================

// blockingMiner records every job and only finishes a job once it has
// been cancelled.
type blockingMiner struct {
	mu   sync.Mutex
	jobs []worker.Job
	ctxs []context.Context
}

func (bm *blockingMiner) Mine(ctx context.Context, job worker.Job) <-chan worker.Result {
	bm.mu.Lock()
	bm.jobs = append(bm.jobs, job)
	bm.ctxs = append(bm.ctxs, ctx)
	bm.mu.Unlock()

	ch := make(chan worker.Result, 1)
	go func() {
		<-ctx.Done()
		ch <- worker.Result{Job: job, Err: ctx.Err()}
		close(ch)
	}()

	return ch
}

func (bm *blockingMiner) started() []worker.Job {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return append([]worker.Job{}, bm.jobs...)
}

func (bm *blockingMiner) cancelled(i int) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.ctxs[i].Err() != nil
}

func mine(t *testing.T, prev database.Block, payload string) database.Block {
	t.Helper()

	block, err := database.POW(context.Background(), database.POWArgs{
		PrevBlock:  prev,
		Payload:    payload,
		Difficulty: testDifficulty,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to mine: %v", failed, err)
	}
	return block
}
