package blip

import (
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blip-toolkit/frame"
	"blip-toolkit/websocket"

	"github.com/stretchr/testify/require"
)

// testDelegate wires delegate callbacks to optional funcs.
type testDelegate struct {
	DefaultDelegate
	onConnect  func(*Connection)
	onRequest  func(*Connection, *MessageIn)
	onResponse func(*Connection, *MessageIn)
	onClose    func(websocket.CloseStatus)
}

func (d *testDelegate) OnConnect(c *Connection, headers http.Header) {
	if d.onConnect != nil {
		d.onConnect(c)
	}
}

func (d *testDelegate) OnRequestReceived(c *Connection, request *MessageIn) {
	if d.onRequest != nil {
		d.onRequest(c, request)
	}
}

func (d *testDelegate) OnResponseReceived(c *Connection, response *MessageIn) {
	if d.onResponse != nil {
		d.onResponse(c, response)
	}
}

func (d *testDelegate) OnClose(c *Connection, status websocket.CloseStatus) {
	if d.onClose != nil {
		d.onClose(status)
	}
}

var echoDelegate = &testDelegate{
	onRequest: func(c *Connection, request *MessageIn) {
		response := NewResponse()
		response.Compressed = request.Compressed()
		response.SetBody(request.Body())
		request.Respond(response)
	},
}

// testConfig returns the default configuration, with protocol logging to
// stderr under -v.
func testConfig() Config {
	cfg := DefaultConfig()
	if testing.Verbose() {
		cfg.Logger = stderrLogger
	}
	return cfg
}

func startPair(t *testing.T, sockA, sockB websocket.Socket, cfgA, cfgB Config, dA, dB Delegate) (*Connection, *Connection) {
	require := require.New(t)
	a, err := NewConnection(sockA, cfgA)
	require.Nil(err)
	b, err := NewConnection(sockB, cfgB)
	require.Nil(err)
	a.SetDelegate(dA)
	b.SetDelegate(dB)
	require.Nil(a.Start())
	require.Nil(b.Start())
	return a, b
}

func loopbackPair(t *testing.T, cfgA, cfgB Config, dA, dB Delegate) (*Connection, *Connection) {
	sockA, sockB := websocket.LoopbackPair(0, nil)
	return startPair(t, sockA, sockB, cfgA, cfgB, dA, dB)
}

func TestConnectionEcho(t *testing.T) {
	require := require.New(t)
	a, _ := loopbackPair(t, testConfig(), testConfig(), &testDelegate{}, echoDelegate)

	request := NewRequest().SetProfile("echo").SetBody([]byte("hi"))
	async, err := a.SendRequest(request)
	require.Nil(err)

	response, err, ok := async.WaitTimeout(5 * time.Second)
	require.True(ok, "response should arrive")
	require.Nil(err)
	require.False(response.IsError())
	require.Equal([]byte("hi"), response.Body())

	require.Nil(a.Close(websocket.CodeNormal, "done"))
}

func TestConnectionEchoCompressedMultiFrame(t *testing.T) {
	require := require.New(t)
	a, _ := loopbackPair(t, testConfig(), testConfig(), &testDelegate{}, echoDelegate)

	rand := rand.New(rand.NewSource(0))
	body := make([]byte, 200*1024)
	_, err := io.ReadFull(rand, body)
	require.Nil(err)

	request := NewRequest().SetProfile("echo").SetBody(body)
	request.Compressed = true
	async, err := a.SendRequest(request)
	require.Nil(err)

	response, err, ok := async.WaitTimeout(10 * time.Second)
	require.True(ok)
	require.Nil(err)
	require.Equal(body, response.Body())
}

func TestConnectionConcurrentRequests(t *testing.T) {
	require := require.New(t)
	a, _ := loopbackPair(t, testConfig(), testConfig(), &testDelegate{}, echoDelegate)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		body := []byte{byte(i)}
		async, err := a.SendRequest(NewRequest().SetProfile("echo").SetBody(body))
		require.Nil(err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			response, err, ok := async.WaitTimeout(10 * time.Second)
			require.True(ok)
			require.Nil(err)
			require.Equal(body, response.Body())
		}()
	}
	wg.Wait()
}

func TestConnectionErrorResponse(t *testing.T) {
	require := require.New(t)
	refusing := &testDelegate{
		onRequest: func(c *Connection, request *MessageIn) {
			request.NotHandled()
		},
	}
	a, _ := loopbackPair(t, testConfig(), testConfig(), &testDelegate{}, refusing)

	async, err := a.SendRequest(NewRequest().SetProfile("nonsense"))
	require.Nil(err)
	response, err, ok := async.WaitTimeout(5 * time.Second)
	require.True(ok)
	require.Nil(err)
	require.True(response.IsError())
	blipErr := response.GetError()
	require.Equal(BLIPErrorDomain, blipErr.Domain)
	require.Equal(404, blipErr.Code)
}

// Urgent traffic overtakes a long-running normal-priority transfer.
func TestConnectionPriorityInterleave(t *testing.T) {
	require := require.New(t)
	a, _ := loopbackPair(t, testConfig(), testConfig(), &testDelegate{}, echoDelegate)

	bulk := make([]byte, 1024*1024)
	small := []byte("quick")

	normalReq := NewRequest().SetProfile("echo").SetBody(bulk)
	urgentReq := NewRequest().SetProfile("echo").SetBody(small)
	urgentReq.Urgent = true

	normalAsync, err := a.SendRequest(normalReq)
	require.Nil(err)
	urgentAsync, err := a.SendRequest(urgentReq)
	require.Nil(err)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, ok := normalAsync.WaitTimeout(20 * time.Second)
		require.True(ok)
		order <- "normal"
	}()
	go func() {
		defer wg.Done()
		_, _, ok := urgentAsync.WaitTimeout(20 * time.Second)
		require.True(ok)
		order <- "urgent"
	}()
	wg.Wait()
	require.Equal("urgent", <-order, "urgent request should complete first")
}

func TestConnectionNoReply(t *testing.T) {
	require := require.New(t)

	received := make(chan *MessageIn, 1)
	var responseSeen atomic.Bool
	handler := &testDelegate{
		onRequest: func(c *Connection, request *MessageIn) {
			// Responding to a noreply request is a no-op.
			request.Respond(NewResponse().SetBody([]byte("ignored")))
			received <- request
		},
	}
	observer := &testDelegate{
		onResponse: func(c *Connection, response *MessageIn) {
			responseSeen.Store(true)
		},
	}
	a, _ := loopbackPair(t, testConfig(), testConfig(), observer, handler)

	var mu sync.Mutex
	var last ProgressState
	request := NewRequest().SetProfile("notify").SetBody([]byte("fire and forget"))
	request.NoReply = true
	request.OnProgress = func(p Progress) {
		mu.Lock()
		last = p.State
		mu.Unlock()
	}

	async, err := a.SendRequest(request)
	require.Nil(err)
	require.Nil(async, "noreply requests have no pending response")

	select {
	case msg := <-received:
		require.True(msg.NoReply())
		require.Equal([]byte("fire and forget"), msg.Body())
	case <-time.After(5 * time.Second):
		t.Fatal("request never delivered")
	}

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == ProgressComplete
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.False(responseSeen.Load(), "no response should be tracked for a noreply request")
}

// countingSocket tallies the payload bytes handed to the transport.
type countingSocket struct {
	websocket.Socket
	bytesSent atomic.Int64
}

func (s *countingSocket) Send(data []byte, binary bool) bool {
	s.bytesSent.Add(int64(len(data)))
	return s.Socket.Send(data, binary)
}

// With the receiver never acking, the sender halts at the unacked window;
// an ack resumes it and the transfer completes.
func TestConnectionBackpressure(t *testing.T) {
	require := require.New(t)
	sockA, sockB := websocket.LoopbackPair(0, nil)
	counting := &countingSocket{Socket: sockA}

	// The receiver's ack threshold is too high to ever trigger.
	cfgB := testConfig()
	cfgB.IncomingAckThreshold = math.MaxInt32

	a, _ := startPair(t, counting, sockB, testConfig(), cfgB, &testDelegate{}, echoDelegate)

	body := make([]byte, 200*1024)
	async, err := a.SendRequest(NewRequest().SetProfile("echo").SetBody(body))
	require.Nil(err)

	// The sender must stall once the unacked window fills.
	var stalled int64
	require.Eventually(func() bool {
		n := counting.bytesSent.Load()
		if n >= int64(defaultMaxUnackedBytes) {
			stalled = n
			return true
		}
		return false
	}, 5*time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	after := counting.bytesSent.Load()
	require.Less(after-stalled, int64(2*defaultFrameSize),
		"sender should halt at the unacked window without acks")
	require.False(async.Ready())

	// Simulate the peer's ack: frames flow again and the message completes.
	ackFlags := frame.Flags(frame.AckRequestType) | frame.Urgent | frame.NoReply
	ack := frame.AppendHeader(nil, frame.Header{Number: 1, Flags: ackFlags})
	ack = frame.AppendUVarInt(ack, uint64(defaultMaxUnackedBytes))
	require.True(sockB.Send(ack, true))

	response, err, ok := async.WaitTimeout(10 * time.Second)
	require.True(ok, "transfer should complete after the ack")
	require.Nil(err)
	require.Equal(body, response.Body())
}

func TestConnectionDisconnectMidStream(t *testing.T) {
	require := require.New(t)
	sockA, sockB := websocket.LoopbackPair(0, nil)

	// Never ack, so the request stays in flight.
	cfgB := testConfig()
	cfgB.IncomingAckThreshold = math.MaxInt32

	closed := make(chan websocket.CloseStatus, 1)
	observer := &testDelegate{
		onClose: func(status websocket.CloseStatus) {
			closed <- status
		},
	}
	a, _ := startPair(t, sockA, sockB, testConfig(), cfgB, observer, &testDelegate{})

	var mu sync.Mutex
	var states []ProgressState
	request := NewRequest().SetProfile("bulk").SetBody(make([]byte, 1024*1024))
	request.OnProgress = func(p Progress) {
		mu.Lock()
		states = append(states, p.State)
		mu.Unlock()
	}
	async, err := a.SendRequest(request)
	require.Nil(err)

	// Tear the socket down mid-transfer.
	time.Sleep(50 * time.Millisecond)
	sockB.CloseAbruptly()

	_, err = async.Wait()
	require.ErrorIs(err, ErrDisconnected)

	select {
	case status := <-closed:
		require.False(status.IsNormal())
	case <-time.After(5 * time.Second):
		t.Fatal("close never surfaced")
	}

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == ProgressDisconnected
	}, 5*time.Second, 5*time.Millisecond)

	// Further sends fail immediately.
	require.Eventually(func() bool {
		return a.State() == StateDisconnected
	}, 5*time.Second, 5*time.Millisecond)
	_, err = a.SendRequest(NewRequest().SetProfile("echo"))
	require.ErrorIs(err, ErrDisconnected)
}

// tamperSocket corrupts the nth binary frame it sends.
type tamperSocket struct {
	websocket.Socket
	frames atomic.Int64
	target int64
}

func (s *tamperSocket) Send(data []byte, binary bool) bool {
	if s.frames.Add(1) == s.target {
		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[len(corrupted)-1] ^= 0x01
		return s.Socket.Send(corrupted, binary)
	}
	return s.Socket.Send(data, binary)
}

func TestConnectionChecksumCorruption(t *testing.T) {
	require := require.New(t)
	sockA, sockB := websocket.LoopbackPair(0, nil)
	tampered := &tamperSocket{Socket: sockA, target: 1}

	closedB := make(chan websocket.CloseStatus, 1)
	handler := &testDelegate{
		onClose: func(status websocket.CloseStatus) {
			closedB <- status
		},
	}
	a, _ := startPair(t, tampered, sockB, testConfig(), testConfig(), &testDelegate{}, handler)

	async, err := a.SendRequest(NewRequest().SetProfile("echo").SetBody([]byte("will corrupt")))
	require.Nil(err)

	// The receiver must detect the mismatch and close with ProtocolError.
	select {
	case status := <-closedB:
		require.Equal(websocket.CodeProtocolError, status.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("corrupted frame did not close the connection")
	}

	// Every pending message on the sender fails.
	_, err = async.Wait()
	require.ErrorIs(err, ErrDisconnected)
}

func TestConnectionRejectsNonRequestBuilder(t *testing.T) {
	require := require.New(t)
	a, _ := loopbackPair(t, testConfig(), testConfig(), &testDelegate{}, echoDelegate)
	_, err := a.SendRequest(NewResponse())
	require.NotNil(err)
}

func TestConnectionDelegateOnConnect(t *testing.T) {
	require := require.New(t)
	connected := make(chan *Connection, 1)
	d := &testDelegate{
		onConnect: func(c *Connection) {
			connected <- c
		},
	}
	a, _ := loopbackPair(t, testConfig(), testConfig(), d, echoDelegate)
	select {
	case c := <-connected:
		require.Equal(a, c)
		require.Equal(StateConnected, c.State())
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect never fired")
	}
}
