package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/dshills/goalproxy/internal/proof"
)

const fooKey = "file:///proj/Foo.lean"

type line struct {
	Type       string            `json:"type"`
	URI        string            `json:"uri"`
	Version    uint64            `json:"version"`
	Subscriber string            `json:"subscriber"`
	Documents  []string          `json:"documents"`
	Goals      []proof.Goal      `json:"goals"`
	Position   protocol.Position `json:"position"`
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newClient(t *testing.T, conn net.Conn) *client {
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) next() line {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	var l line
	require.NoError(c.t, json.Unmarshal(raw, &l), string(raw))
	return l
}

func subscribePipe(t *testing.T, b *Broadcaster) (*client, string) {
	server, conn := net.Pipe()
	id := b.Subscribe(server)
	require.NotEmpty(t, id)
	return newClient(t, conn), id
}

func snapshot(version uint64) proof.Snapshot {
	return proof.Snapshot{
		URI:      fooKey,
		Version:  version,
		Position: protocol.Position{Line: 5, Character: 10},
		Goals: []proof.Goal{{
			Target: "n + 0 = n",
			Active: true,
			Hyps:   []proof.Hypothesis{{Names: []string{"n"}, Type: "Nat"}},
		}},
	}
}

func TestBroadcaster_PublishToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	c, id := subscribePipe(t, b)
	hello := c.next()
	assert.Equal(t, TypeConnected, hello.Type)
	assert.Equal(t, id, hello.Subscriber)
	assert.Empty(t, hello.Documents)

	require.True(t, b.Publish(fooKey, snapshot(1)))

	got := c.next()
	assert.Equal(t, TypeSnapshot, got.Type)
	assert.Equal(t, fooKey, got.URI)
	assert.EqualValues(t, 1, got.Version)
	require.Len(t, got.Goals, 1)
	assert.Equal(t, "n + 0 = n", got.Goals[0].Target)
	assert.Equal(t, "Nat", got.Goals[0].Hyps[0].Type)
}

func TestBroadcaster_CatchUpOnSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish(fooKey, snapshot(1))
	b.PublishCursor(Cursor{URI: fooKey, Position: protocol.Position{Line: 5, Character: 10}, Method: "textDocument/hover"})

	c, _ := subscribePipe(t, b)
	hello := c.next()
	assert.Equal(t, []string{fooKey}, hello.Documents)

	snap := c.next()
	assert.Equal(t, TypeSnapshot, snap.Type)
	assert.EqualValues(t, 1, snap.Version)

	cursor := c.next()
	assert.Equal(t, TypeCursor, cursor.Type)
	assert.EqualValues(t, 5, cursor.Position.Line)
}

func TestBroadcaster_RejectsOlderVersions(t *testing.T) {
	b := New()
	defer b.Close()

	assert.True(t, b.Publish(fooKey, snapshot(3)))
	assert.False(t, b.Publish(fooKey, snapshot(3)))
	assert.False(t, b.Publish(fooKey, snapshot(2)))

	latest, ok := b.Latest(fooKey)
	require.True(t, ok)
	assert.EqualValues(t, 3, latest.Version)
}

func TestBroadcaster_SlowSubscriberSeesMonotonicVersions(t *testing.T) {
	b := New(WithQueueSize(4))
	defer b.Close()

	c, _ := subscribePipe(t, b)

	// Nothing is read yet, so the writer is stuck and the queue coalesces.
	const last = 50
	for v := uint64(1); v <= last; v++ {
		require.True(t, b.Publish(fooKey, snapshot(v)))
	}
	assert.Equal(t, 1, b.Subscribers(), "same-document updates never evict")

	assert.Equal(t, TypeConnected, c.next().Type)
	var prev uint64
	for prev < last {
		l := c.next()
		require.Equal(t, TypeSnapshot, l.Type)
		require.Greater(t, l.Version, prev, "versions must increase")
		prev = l.Version
	}
	assert.EqualValues(t, last, prev)
}

func TestBroadcaster_EvictsOverflowingSubscriber(t *testing.T) {
	b := New(WithQueueSize(2))
	defer b.Close()

	stuck, _ := subscribePipe(t, b)
	healthy, _ := subscribePipe(t, b)
	assert.Equal(t, TypeConnected, healthy.next().Type)

	docs := []string{"file:///A.lean", "file:///B.lean", "file:///C.lean"}
	for _, doc := range docs {
		s := snapshot(1)
		s.URI = doc
		b.Publish(doc, s)
		healthy.next()
		b.Forget(doc, doc)
		healthy.next()
	}

	assert.Equal(t, 1, b.Subscribers())

	stuck.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The hello line was already in flight; after it the connection ends.
	stuck.r.ReadBytes('\n')
	_, err := stuck.r.ReadBytes('\n')
	assert.Error(t, err)
}

func TestBroadcaster_DisconnectedClientsRemoved(t *testing.T) {
	b := New()
	defer b.Close()

	clients := make([]*client, 10)
	for i := range clients {
		clients[i], _ = subscribePipe(t, b)
		assert.Equal(t, TypeConnected, clients[i].next().Type)
	}
	require.Equal(t, 10, b.Subscribers())

	for _, c := range clients {
		c.conn.Close()
	}
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcaster_Forget(t *testing.T) {
	b := New()
	defer b.Close()

	c, _ := subscribePipe(t, b)
	c.next()
	b.Publish(fooKey, snapshot(1))
	c.next()

	b.Forget(fooKey, fooKey)
	closed := c.next()
	assert.Equal(t, TypeClosed, closed.Type)
	assert.Equal(t, fooKey, closed.URI)

	_, ok := b.Latest(fooKey)
	assert.False(t, ok)

	// Versions keep increasing after reopen and are delivered.
	b.Publish(fooKey, snapshot(2))
	assert.EqualValues(t, 2, c.next().Version)
}

func TestBroadcaster_Commands(t *testing.T) {
	commands := make(chan Command, 1)
	b := New(WithCommandHandler(func(cmd Command) { commands <- cmd }))
	defer b.Close()

	c, id := subscribePipe(t, b)
	go func() {
		c.conn.Write([]byte("not json\n"))
		c.conn.Write([]byte(`{"type":"navigate","uri":"file:///A.lean","line":3,"character":4}` + "\n"))
	}()
	c.next()

	select {
	case cmd := <-commands:
		assert.Equal(t, CommandNavigate, cmd.Type)
		assert.Equal(t, "file:///A.lean", cmd.URI)
		assert.EqualValues(t, 3, cmd.Position.Line)
		assert.EqualValues(t, 4, cmd.Position.Character)
		assert.Equal(t, id, cmd.Subscriber)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestBroadcaster_ListenServeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	b := New()
	require.NoError(t, b.Listen(path))
	assert.Equal(t, path, b.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- b.Serve(ctx) }()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	c := newClient(t, conn)
	assert.Equal(t, TypeConnected, c.next().Type)

	other := New()
	err = other.Listen(path)
	assert.True(t, errors.Is(err, ErrSocketInUse), "got %v", err)

	require.NoError(t, b.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file should be removed")
	assert.False(t, b.Publish(fooKey, snapshot(1)))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    CommandType
		wantErr bool
	}{
		{"navigate flat", `{"type":"navigate","uri":"file:///A.lean","line":1,"character":2}`, CommandNavigate, false},
		{"navigate legacy name", `{"type":"Navigate","uri":"file:///A.lean","line":1,"character":2}`, CommandNavigate, false},
		{"navigate position object", `{"type":"navigate","uri":"file:///A.lean","position":{"line":1,"character":2}}`, CommandNavigate, false},
		{"hypothesis", `{"type":"hypothesisLocation","uri":"file:///A.lean","line":1,"character":2,"info":{"p":"4"}}`, CommandHypothesisLocation, false},
		{"hypothesis legacy name", `{"type":"GetHypothesisLocation","uri":"file:///A.lean","line":1,"character":2,"info":{"p":"4"}}`, CommandHypothesisLocation, false},
		{"hypothesis without info", `{"type":"hypothesisLocation","uri":"file:///A.lean","line":1,"character":2}`, 0, true},
		{"missing position", `{"type":"navigate","uri":"file:///A.lean"}`, 0, true},
		{"missing uri", `{"type":"navigate","line":1,"character":2}`, 0, true},
		{"unknown type", `{"type":"reboot","uri":"file:///A.lean","line":1,"character":2}`, 0, true},
		{"garbage", `{{`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.line))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrBadCommand), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.Type)
			assert.EqualValues(t, 1, cmd.Position.Line)
			assert.EqualValues(t, 2, cmd.Position.Character)
		})
	}
}

func TestParseCommand_FilePath(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"navigate","uri":"/proj/My Foo.lean","line":0,"character":0}`))
	require.NoError(t, err)
	assert.Equal(t, "file:///proj/My%20Foo.lean", cmd.URI)

	cmd, err = ParseCommand([]byte(`{"type":"navigate","uri":"file:///proj/Foo.lean","line":0,"character":0}`))
	require.NoError(t, err)
	assert.Equal(t, "file:///proj/Foo.lean", cmd.URI)
}

func TestProjectSocketPath(t *testing.T) {
	a := ProjectSocketPath("/work/a")
	b := ProjectSocketPath("/work/b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ProjectSocketPath("/work/a/"))
	assert.Equal(t, filepath.Join(os.TempDir(), SocketName), DefaultSocketPath())
}
