package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editstate/internal/conflict"
	"editstate/internal/engine"
	"editstate/internal/health"
	"editstate/internal/recovery"
	"editstate/internal/state"
	"editstate/internal/storage"
)

var stamp = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	msg, err := NewResponse(MsgStatusResponse, 7, &StatusResponse{Version: "1.2.3", Documents: 2})
	require.NoError(t, err)
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgStatusResponse, got.Header.Type)
	assert.Equal(t, uint32(7), got.Header.RequestID)
	var st StatusResponse
	require.NoError(t, Decode(got.Payload, &st))
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, 2, st.Documents)
}

func TestReadMessageRejectsBadFrames(t *testing.T) {
	t.Run("magic", func(t *testing.T) {
		frame := make([]byte, HeaderSize)
		binary.BigEndian.PutUint32(frame[0:4], 0x57495043)
		_, err := ReadMessage(bytes.NewReader(frame))
		assert.ErrorIs(t, err, ErrBadMagic)
	})
	t.Run("version", func(t *testing.T) {
		var buf bytes.Buffer
		h := Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1, Type: MsgPing}
		require.NoError(t, h.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorIs(t, err, ErrVersion)
	})
	t.Run("oversized", func(t *testing.T) {
		var buf bytes.Buffer
		h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgPing, Length: MaxPayload + 1}
		require.NoError(t, h.Write(&buf))
		_, err := ReadMessage(&buf)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})
	t.Run("truncated", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewMessage(MsgPing, 1, []byte(`{"a":1}`)).Write(&buf))
		_, err := ReadMessage(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
		assert.ErrorIs(t, err, ErrTruncated)
		_, err = ReadMessage(bytes.NewReader(buf.Bytes()[:HeaderSize/2]))
		assert.ErrorIs(t, err, ErrTruncated)
	})
}

type daemon struct {
	engine *engine.Engine
	server *Server
	socket string
}

// startDaemon serves a fresh engine. Socket paths are kept short because
// sun_path is limited to ~100 bytes.
func startDaemon(t *testing.T, perm PermissionLevel) *daemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "estp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	e := engine.New(storage.NewMemoryStore(), engine.DefaultOptions())
	hc := health.NewChecker()
	hc.RegisterFunc("engine", true, health.CustomCheck(func() error { return nil }))
	handler := NewEngineHandler(e, hc, "test", nil)

	cfg := DefaultServerConfig(dir)
	cfg.Version = "test"
	cfg.DefaultPerm = perm
	s := NewServer(cfg, handler, nil)
	require.NoError(t, s.Start())
	detach := handler.Attach(s)
	t.Cleanup(func() {
		detach()
		s.Stop()
	})
	return &daemon{engine: e, server: s, socket: filepath.Join(dir, "editstated.sock")}
}

func (d *daemon) connect(t *testing.T, name string) *Client {
	t.Helper()
	cfg := DefaultClientConfig(filepath.Dir(d.socket), name)
	cfg.RequestTimeout = 5 * time.Second
	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func replace(id string, from, to int, before, after string) engine.ChangeSubmission {
	return engine.ChangeSubmission{
		ID: id, Timestamp: stamp, Type: state.ChangeReplace,
		From: from, To: to, BeforeText: before, AfterText: after,
	}
}

func TestHandshake(t *testing.T) {
	d := startDaemon(t, PermReadWrite)
	c := d.connect(t, "spellcheck")

	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, "test", c.ServerVersion())
	assert.Equal(t, PermReadWrite, c.Permission())
	require.NoError(t, c.Ping(context.Background()))

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 1, st.Clients)
	assert.Zero(t, st.Documents)

	hr, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, hr.Status)
	assert.Contains(t, hr.Components, "engine")
}

func TestRequestsBeforeHandshakeAreRefused(t *testing.T) {
	d := startDaemon(t, PermReadWrite)

	conn, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, NewMessage(MsgStatusRequest, 1, nil).Write(conn))
	resp, err := ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)

	var er ErrorResponse
	require.NoError(t, Decode(resp.Payload, &er))
	assert.Equal(t, ErrNotInitialized, er.Code)
}

func TestSubmitUsesHandshakeNameAsProducer(t *testing.T) {
	d := startDaemon(t, PermReadWrite)
	c := d.connect(t, "grammar")
	ctx := context.Background()

	res, err := c.Submit(ctx, &SubmitRequest{
		Priority: 2,
		Changes:  []engine.ChangeSubmission{replace("g1", 0, 3, "teh", "the")},
		Options:  engine.SubmitOptions{DocumentID: "essay.md"},
	})
	require.NoError(t, err)
	assert.Equal(t, "committed", res.Outcome())
	require.Len(t, res.Committed, 1)
	assert.Equal(t, "grammar", res.Committed[0].Source.ProducerID)

	doc, err := c.Document(ctx, "essay.md")
	require.NoError(t, err)
	assert.Equal(t, res.Version, doc.Version)
	assert.Contains(t, doc.Changes, "g1")

	accepted, err := c.AcceptChange(ctx, "essay.md", "g1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusAccepted, accepted.Status)
}

func TestErrorsMatchEngineSentinels(t *testing.T) {
	d := startDaemon(t, PermReadWrite)
	c := d.connect(t, "p")
	ctx := context.Background()

	_, err := c.Submit(ctx, &SubmitRequest{
		Changes: []engine.ChangeSubmission{{ID: "x", Timestamp: stamp, Type: "move", From: 5, To: 1}},
		Options: engine.SubmitOptions{DocumentID: "doc"},
	})
	require.ErrorIs(t, err, engine.ErrValidation)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	fields := make([]string, len(re.Fields))
	for i, f := range re.Fields {
		fields[i] = f.Field
	}
	assert.Contains(t, fields, "changes[0].type")
	assert.Contains(t, fields, "changes[0].to")

	_, err = c.Document(ctx, "missing")
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = c.CancelConflict(ctx, "nope")
	assert.ErrorIs(t, err, engine.ErrConflictNotFound)
}

func TestReadOnlyPeersCannotWrite(t *testing.T) {
	d := startDaemon(t, PermReadOnly)
	c := d.connect(t, "viewer")

	_, err := c.CreateSnapshot(context.Background(), "doc", "hello")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrPermissionDenied, re.Code)

	_, err = c.Status(context.Background())
	assert.NoError(t, err)
	assert.False(t, d.engine.States().Has("doc"))

	_, err = c.CreateBackup(context.Background())
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrPermissionDenied, re.Code)
}

func TestCreateBackup(t *testing.T) {
	d := startDaemon(t, PermReadWrite)
	c := d.connect(t, "operator")
	ctx := context.Background()

	_, err := c.CreateSnapshot(ctx, "doc", "hello")
	require.NoError(t, err)
	key, err := c.CreateBackup(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, recovery.BackupPrefix))

	keys, err := d.engine.Recovery().Backups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestConflictRoundTrip(t *testing.T) {
	d := startDaemon(t, PermReadWrite)
	p1 := d.connect(t, "p1")
	p2 := d.connect(t, "p2")
	reviewer := d.connect(t, "reviewer")
	ctx := context.Background()

	events := make(chan *Event, 64)
	reviewer.SetEventHandler(func(ev *Event) { events <- ev })
	require.NoError(t, reviewer.Subscribe(ctx, EventConflictQueued))

	_, err := p1.Submit(ctx, &SubmitRequest{
		Priority: 1,
		Changes:  []engine.ChangeSubmission{replace("c1", 4, 9, "quick", "fast")},
		Options:  engine.SubmitOptions{DocumentID: "doc", OperationID: "op-1"},
	})
	require.NoError(t, err)
	res, err := p2.Submit(ctx, &SubmitRequest{
		Priority: 1,
		Changes:  []engine.ChangeSubmission{replace("c2", 4, 9, "quick", "fast one")},
		Options:  engine.SubmitOptions{DocumentID: "doc", OperationID: "op-2"},
	})
	require.NoError(t, err)
	require.Len(t, res.Queued, 1)

	select {
	case ev := <-events:
		assert.Equal(t, EventConflictQueued, ev.Type)
		assert.Equal(t, "doc", ev.DocumentID)
		var c conflict.Conflict
		require.NoError(t, json.Unmarshal(ev.Data, &c))
		assert.Equal(t, res.Queued[0], c.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no conflict event")
	}

	pending, err := reviewer.Conflicts(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, conflict.UserChoice, pending[0].Strategy)

	preview, err := reviewer.Preview(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, preview.Warnings)

	result, err := reviewer.ResolveConflict(ctx, &ResolveConflictRequest{
		ConflictID: pending[0].ID,
		Strategy:   conflict.UserChoice,
		Selected:   []string{"c2"},
	})
	require.NoError(t, err)
	assert.True(t, result.Resolved)

	doc, err := reviewer.Document(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRejected, doc.Changes["c1"].Status)
	assert.Equal(t, state.StatusPending, doc.Changes["c2"].Status)

	pending, err = reviewer.Conflicts(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStopNotifiesSubscribers(t *testing.T) {
	d := startDaemon(t, PermReadWrite)
	c := d.connect(t, "watcher")

	got := make(chan EventType, 4)
	c.SetEventHandler(func(ev *Event) { got <- ev.Type })
	require.NoError(t, c.Subscribe(context.Background()))

	require.NoError(t, d.server.Stop())
	select {
	case et := <-got:
		assert.Equal(t, EventDaemonShutdown, et)
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown event")
	}
	_, err := os.Stat(d.socket)
	assert.True(t, os.IsNotExist(err))
}
