package cluster

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fhaynes/saga/internal/rpc"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/metrics"
	"github.com/fhaynes/saga/pkg/resilience"
)

func TestMembershipStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Membership{
		"memory": func(*testing.T) Membership { return NewMemoryMembership() },
		"bolt": func(t *testing.T) Membership {
			m, err := OpenBoltMembership(MembershipPath(t.TempDir()))
			require.NoError(t, err)
			return m
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			assert := require.New(t)
			ctx := context.Background()
			m := open(t)
			defer m.Close()

			nodes, err := m.ListNodes(ctx)
			assert.NoError(err)
			assert.Empty(nodes)

			assert.NoError(m.RegisterNode(ctx, Member{Name: "n2", Host: "10.0.0.2", Port: 7070}))
			assert.NoError(m.RegisterNode(ctx, Member{Name: "n1", Host: "127.0.0.1", Port: 9000}))
			assert.NoError(m.RegisterNode(ctx, Member{Name: "n1", Host: "127.0.0.2", Port: 9001}))

			nodes, err = m.ListNodes(ctx)
			assert.NoError(err)
			assert.Equal([]string{"n1", "n2"}, nodes)

			members, err := m.ListMembers(ctx)
			assert.NoError(err)
			assert.Len(members, 2)
			assert.Equal("127.0.0.2", members[0].Host)
			assert.Equal(uint16(9001), members[0].Port)

			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			assert.NoError(m.Touch(ctx, "n2", at))
			members, err = m.ListMembers(ctx)
			assert.NoError(err)
			assert.True(members[1].LastHeard.Equal(at))

			assert.ErrorIs(m.Touch(ctx, "ghost", at), apperrors.ErrNodeNotFound)
			assert.NoError(m.Ping(ctx))
		})
	}
}

func TestNewFallsBackToMemoryMembership(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	n := New(Configuration{Name: "solo", DataPath: blocker, AmMetadataServer: true})
	defer n.Close()
	require.IsType(t, &MemoryMembership{}, n.Membership())
}

func TestNewOpensBoltMembership(t *testing.T) {
	dir := t.TempDir()
	n := New(Configuration{Name: "solo", DataPath: dir, AmMetadataServer: true})
	defer n.Close()
	require.IsType(t, &BoltMembership{}, n.Membership())
	require.FileExists(t, filepath.Join(dir, "metadata", "membership.db"))
}

// runNode starts the processing loop and returns a function that asks the
// node something through a reply slot.
func runNode(t *testing.T, n *Node) func(*rpc.Message) *rpc.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.ReceiveMessages(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return func(msg *rpc.Message) *rpc.Message {
		t.Helper()
		msg.Reply = rpc.NewReplySlot()
		require.NoError(t, n.Inbox().Send(ctx, msg))
		wait, cancelWait := context.WithTimeout(ctx, 5*time.Second)
		defer cancelWait()
		reply, err := msg.Reply.Wait(wait)
		require.NoError(t, err)
		return reply
	}
}

func newMetadataNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	n := New(Configuration{
		Name:             "meta",
		DataPath:         t.TempDir(),
		AmMetadataServer: true,
		Inbox:            rpc.NewInbox(16),
	}, opts...)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestListNodesAfterRegister(t *testing.T) {
	assert := require.New(t)
	m := metrics.New()
	ask := runNode(t, newMetadataNode(t, WithMetrics(m)))

	reply := ask(rpc.NewMessage(rpc.ListNodes))
	assert.Equal(rpc.ListNodes, reply.Type)
	assert.Empty(reply.Error)
	assert.Empty(reply.Args)

	reply = ask(rpc.NewMessage(rpc.Register, "n1", "127.0.0.1", "9000"))
	assert.Empty(reply.Error)

	reply = ask(rpc.NewMessage(rpc.ListNodes))
	assert.Equal([]string{"n1"}, reply.Args)

	ask(rpc.NewMessage(rpc.Register, "n1", "127.0.0.1", "9100"))
	reply = ask(rpc.NewMessage(rpc.ListNodes))
	assert.Equal([]string{"n1"}, reply.Args)

	assert.Equal(1.0, testutil.ToFloat64(m.MembershipNodeCount))
	assert.Equal(3.0, testutil.ToFloat64(m.RPCMessagesTotal.WithLabelValues("LIST_NODES")))
}

func TestRegisterRejectsBadArguments(t *testing.T) {
	assert := require.New(t)
	ask := runNode(t, newMetadataNode(t))

	for _, args := range [][]string{
		{"n1", "127.0.0.1", "70000"},
		{"n1", "127.0.0.1", "http"},
		{"n1", "127.0.0.1"},
		{"", "127.0.0.1", "9000"},
	} {
		reply := ask(rpc.NewMessage(rpc.Register, args...))
		assert.Contains(reply.Error, apperrors.ErrInvalidArguments.Error(), "args %v", args)
	}

	reply := ask(rpc.NewMessage(rpc.ListNodes))
	assert.Empty(reply.Args)
}

func TestListNodesWithoutReplySlotIsSkipped(t *testing.T) {
	assert := require.New(t)
	n := newMetadataNode(t)
	ask := runNode(t, n)

	assert.NoError(n.Inbox().Send(context.Background(), rpc.NewMessage(rpc.ListNodes)))
	assert.NoError(n.Inbox().Send(context.Background(), rpc.NewMessage(rpc.Register, "n1", "h", "1")))

	reply := ask(rpc.NewMessage(rpc.ListNodes))
	assert.Equal([]string{"n1"}, reply.Args)
}

func TestShutdownStopsLoop(t *testing.T) {
	assert := require.New(t)
	n := newMetadataNode(t)
	done := make(chan error, 1)
	go func() { done <- n.ReceiveMessages(context.Background()) }()

	msg := rpc.NewMessage(rpc.Shutdown)
	msg.Reply = rpc.NewReplySlot()
	assert.NoError(n.Inbox().Send(context.Background(), msg))

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on SHUTDOWN")
	}
	reply, err := msg.Reply.Wait(context.Background())
	assert.NoError(err)
	assert.Equal(rpc.Shutdown, reply.Type)
}

func TestReceiveMessagesStopsWhenInboxCloses(t *testing.T) {
	n := newMetadataNode(t)
	done := make(chan error, 1)
	go func() { done <- n.ReceiveMessages(context.Background()) }()
	n.Inbox().Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on closed inbox")
	}
}

type fakePresence struct {
	mu    sync.Mutex
	alive []string
}

func (f *fakePresence) MarkAlive(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = append(f.alive, name)
	return nil
}

func (f *fakePresence) Alive(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.alive...), nil
}

func TestHeartbeatTouchesMembership(t *testing.T) {
	assert := require.New(t)
	membership := NewMemoryMembership()
	presence := &fakePresence{}
	ask := runNode(t, newMetadataNode(t, WithMembership(membership), WithPresence(presence)))

	ask(rpc.NewMessage(rpc.Register, "n1", "127.0.0.1", "9000"))
	members, err := membership.ListMembers(context.Background())
	assert.NoError(err)
	before := members[0].LastHeard

	time.Sleep(5 * time.Millisecond)
	reply := ask(rpc.NewMessage(rpc.Heartbeat, "n1"))
	assert.Empty(reply.Error)

	members, err = membership.ListMembers(context.Background())
	assert.NoError(err)
	assert.True(members[0].LastHeard.After(before))

	ask(rpc.NewMessage(rpc.Heartbeat, "stranger"))
	alive, err := presence.Alive(context.Background())
	assert.NoError(err)
	assert.Equal([]string{"n1", "stranger"}, alive)
}

func TestMetadataServerRegistersLocally(t *testing.T) {
	assert := require.New(t)
	n := New(Configuration{
		Name:             "meta",
		DataPath:         t.TempDir(),
		AmMetadataServer: true,
		RPCAddress:       "127.0.0.1",
		RPCPort:          7070,
	})
	defer n.Close()

	assert.Equal(Disconnected, n.State())
	assert.NoError(n.RegisterWithMetadataServer())
	assert.Equal(Registered, n.State())

	members, err := n.Membership().ListMembers(context.Background())
	assert.NoError(err)
	assert.Equal([]Member{{Name: "meta", Host: "127.0.0.1", Port: 7070, LastHeard: members[0].LastHeard}}, members)
	assert.NoError(n.SendHeartbeat(context.Background()))
}

// closedPort returns a loopback port nothing is listening on.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

// serveMetadata runs a metadata node on the given listener.
func serveMetadata(t *testing.T, ln net.Listener) *Node {
	t.Helper()
	meta := newMetadataNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		meta.ServeRPC(ctx, ln)
	}()
	go func() {
		defer wg.Done()
		meta.ReceiveMessages(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return meta
}

func eventuallyRegistered(t *testing.T, meta *Node, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		nodes, err := meta.Membership().ListNodes(context.Background())
		return err == nil && len(nodes) == 1 && nodes[0] == name
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRegisterRetriesUntilMetadataServerIsReachable(t *testing.T) {
	assert := require.New(t)
	port := closedPort(t)
	m := metrics.New()

	n := New(Configuration{
		Name:            "n1",
		MetadataAddress: "127.0.0.1",
		MetadataPort:    port,
		DataPath:        t.TempDir(),
		RPCAddress:      "127.0.0.1",
		RPCPort:         9000,
		DialTimeout:     time.Second,
	}, WithMetrics(m))
	defer n.Close()
	assert.Equal(Disconnected, n.State())

	for range 3 {
		err := n.RegisterWithMetadataServer()
		assert.ErrorIs(err, apperrors.ErrRetry)
		assert.Equal(Disconnected, n.State())
	}
	assert.Equal(3.0, testutil.ToFloat64(m.RegistrationAttempts.WithLabelValues("dial_failed")))

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Skipf("port %d was reused before the metadata server could bind it: %v", port, err)
	}
	meta := serveMetadata(t, ln)

	err = n.RegisterWithMetadataServer()
	assert.ErrorIs(err, apperrors.ErrRetry)
	assert.Equal(Connecting, n.State())

	assert.NoError(n.RegisterWithMetadataServer())
	assert.Equal(Registered, n.State())
	eventuallyRegistered(t, meta, "n1")

	members, err := meta.Membership().ListMembers(context.Background())
	assert.NoError(err)
	assert.Equal(uint16(9000), members[0].Port)
}

func TestRegisterUntilSuccess(t *testing.T) {
	assert := require.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(err)
	port := ln.Addr().(*net.TCPAddr).Port
	meta := serveMetadata(t, ln)

	n := New(Configuration{
		Name:            "n2",
		MetadataAddress: "127.0.0.1",
		MetadataPort:    uint16(port),
		DataPath:        t.TempDir(),
		RPCAddress:      "127.0.0.1",
		RPCPort:         9001,
		Register: resilience.RetryConfig{
			Strategy:     resilience.Fixed,
			InitialDelay: 10 * time.Millisecond,
			MaxAttempts:  5,
		},
	})
	defer n.Close()
	assert.Equal(Connecting, n.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(n.RegisterUntilSuccess(ctx))
	assert.Equal(Registered, n.State())
	eventuallyRegistered(t, meta, "n2")

	assert.NoError(n.SendHeartbeat(ctx))
}

func TestRegisterUntilSuccessGivesUp(t *testing.T) {
	n := New(Configuration{
		Name:            "n3",
		MetadataAddress: "127.0.0.1",
		MetadataPort:    closedPort(t),
		DataPath:        t.TempDir(),
		DialTimeout:     100 * time.Millisecond,
		Register: resilience.RetryConfig{
			Strategy:     resilience.Fixed,
			InitialDelay: time.Millisecond,
			MaxAttempts:  2,
		},
	})
	defer n.Close()

	err := n.RegisterUntilSuccess(context.Background())
	require.ErrorIs(t, err, apperrors.ErrRetry)
	require.ErrorIs(t, n.SendHeartbeat(context.Background()), apperrors.ErrRetry)
}

func TestRPCServerFeedsProcessingLoop(t *testing.T) {
	assert := require.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(err)
	meta := serveMetadata(t, ln)
	assert.Eventually(func() bool { return meta.RPCListenAddr() != nil }, time.Second, 5*time.Millisecond)

	conn, err := rpc.Dial(ln.Addr().String(), time.Second)
	assert.NoError(err)
	defer conn.Close()
	assert.NoError(conn.Send(rpc.NewMessage(rpc.Register, "remote", "10.1.1.1", "7070")))
	eventuallyRegistered(t, meta, "remote")
}

func TestRegistrationStateString(t *testing.T) {
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "RegistrationState(9)", RegistrationState(9).String())
}
