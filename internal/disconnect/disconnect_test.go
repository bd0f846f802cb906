package disconnect

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gnosis/gnosisvpn/internal/mixnet"
)

// serverPort extracts the numeric port httptest bound srv to, so a
// mixnet session can be opened against that exact port and
// postUnregister's 127.0.0.1:<bridge_port> dial lands on the fake
// exit.
func serverPort(t *testing.T, srv *httptest.Server) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

type fakeRoot struct {
	calls int
	err   error
}

func (f *fakeRoot) TearDownWg(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestRunSkipsStepsNeverAcquired(t *testing.T) {
	node := mixnet.New()
	root := &fakeRoot{}
	r := &Runner{Node: node, Root: root}

	res := r.Run(context.Background(), "0xDEST", State{}, nil)
	require.NoError(t, res.Err)
	require.Equal(t, 0, root.calls)
}

func TestRunTearsDownWgWhenLive(t *testing.T) {
	node := mixnet.New()
	root := &fakeRoot{}
	r := &Runner{Node: node, Root: root}

	res := r.Run(context.Background(), "0xDEST", State{WgLive: true}, nil)
	require.NoError(t, res.Err)
	require.Equal(t, 1, root.calls)
}

func TestRunClosesOpenSessions(t *testing.T) {
	node := mixnet.New()
	ctx := context.Background()
	bridge, err := node.OpenSession(ctx, mixnet.ProtocolBridge, "127.0.0.1", 0, "0xDEST", nil)
	require.NoError(t, err)
	ping, err := node.OpenSession(ctx, mixnet.ProtocolPing, "127.0.0.1", 0, "0xDEST", nil)
	require.NoError(t, err)

	r := &Runner{Node: node, Root: &fakeRoot{}}
	res := r.Run(ctx, "0xDEST", State{Bridge: bridge, Ping: ping}, nil)
	require.NoError(t, res.Err)

	require.True(t, mixnet.IsSessionNotFound(node.CloseSession(bridge)))
	require.True(t, mixnet.IsSessionNotFound(node.CloseSession(ping)))
}

type recordingEvents struct {
	phases []Phase
}

func (r *recordingEvents) Progress(p Progress) { r.phases = append(r.phases, p.Phase) }

func TestRunEmitsOpeningBridgeAsSoonAsWgIsDown(t *testing.T) {
	node := mixnet.New()
	r := &Runner{Node: node, Root: &fakeRoot{}}
	ev := &recordingEvents{}

	res := r.Run(context.Background(), "0xDEST", State{WgLive: true}, ev)
	require.NoError(t, res.Err)
	require.Equal(t, []Phase{Disconnecting, DisconnectingWg, OpeningBridge}, ev.phases)
}

func TestRunEmitsOpeningBridgeImmediatelyWhenWgNeverLive(t *testing.T) {
	node := mixnet.New()
	r := &Runner{Node: node, Root: &fakeRoot{}}
	ev := &recordingEvents{}

	res := r.Run(context.Background(), "0xDEST", State{}, ev)
	require.NoError(t, res.Err)
	require.Equal(t, []Phase{Disconnecting, OpeningBridge}, ev.phases)
}

func TestUnregisterTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	node := mixnet.New()
	ctx := context.Background()
	bridge, err := node.OpenSession(ctx, mixnet.ProtocolBridge, "127.0.0.1", serverPort(t, srv), "0xDEST", nil)
	require.NoError(t, err)

	r := &Runner{Node: node, Root: &fakeRoot{}, Client: srv.Client()}
	err = r.unregister(ctx, "0xDEST", State{Bridge: bridge, Registered: true})
	require.NoError(t, err)
}

func TestUnregisterPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	node := mixnet.New()
	ctx := context.Background()
	bridge, err := node.OpenSession(ctx, mixnet.ProtocolBridge, "127.0.0.1", serverPort(t, srv), "0xDEST", nil)
	require.NoError(t, err)

	r := &Runner{Node: node, Root: &fakeRoot{}, Client: srv.Client()}
	err = r.unregister(ctx, "0xDEST", State{Bridge: bridge, Registered: true})
	require.Error(t, err)
}
