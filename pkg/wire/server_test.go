package wire

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nranjan2code/sutra-engine-sub007/pkg/concept"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/learn"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/query"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/semantic"
	"github.com/nranjan2code/sutra-engine-sub007/pkg/storage"
)

func newTestBackend(t *testing.T, shards int) Backend {
	t.Helper()
	cfg := storage.DefaultConfig(t.TempDir())
	cfg.ShardCount = shards
	cfg.CheckpointInterval = 0
	cfg.CheckpointAppends = 0
	store, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pipeline, err := learn.New(learn.Config{Store: store})
	require.NoError(t, err)
	engine, err := query.New(query.Config{Store: store})
	require.NoError(t, err)
	return Backend{Learner: pipeline, Engine: engine, Store: store}
}

func startServer(t *testing.T, shards int) (*Server, string) {
	t.Helper()
	srv, err := New(&Config{Addr: "127.0.0.1:0"}, newTestBackend(t, shards))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()
	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 10*time.Millisecond, "server never bound")

	t.Cleanup(func() {
		_ = srv.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop after Close")
		}
	})
	return srv, srv.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	client, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// rawDial opens a connection and performs the handshake at the byte level,
// returning the conn and the server's selected version.
func rawDial(t *testing.T, addr string, versions [4]uint32) (net.Conn, uint32) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	hello := make([]byte, 0, handshakeSize)
	hello = append(hello, handshakeMagic[:]...)
	for _, v := range versions {
		hello = binary.BigEndian.AppendUint32(hello, v)
	}
	_, err = conn.Write(hello)
	require.NoError(t, err)

	var reply [4]byte
	_, err = io.ReadFull(conn, reply[:])
	require.NoError(t, err)
	return conn, binary.BigEndian.Uint32(reply[:])
}

func rawSend(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	header := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	_, err := conn.Write(append(header, payload...))
	require.NoError(t, err)
}

func rawReceive(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var header [4]byte
	_, err := io.ReadFull(conn, header[:])
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

// requireFailure decodes a failure response and returns its code and message.
func requireFailure(t *testing.T, payload []byte) (uint16, string) {
	t.Helper()
	d := newDecoder(payload)
	require.Equal(t, StatusFailure, d.U8())
	code := d.U16()
	message := d.String()
	require.NoError(t, d.finish())
	return code, message
}

func requireClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var one [1]byte
	_, err := conn.Read(one[:])
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandshake(t *testing.T) {
	_, addr := startServer(t, 2)

	t.Run("negotiates_version_one", func(t *testing.T) {
		_, selected := rawDial(t, addr, [4]uint32{ProtocolVersion, 0, 0, 0})
		assert.Equal(t, ProtocolVersion, selected)
	})

	t.Run("picks_supported_version_among_proposals", func(t *testing.T) {
		_, selected := rawDial(t, addr, [4]uint32{3, 2, ProtocolVersion, 0})
		assert.Equal(t, ProtocolVersion, selected)
	})

	t.Run("no_common_version_replies_zero_and_closes", func(t *testing.T) {
		conn, selected := rawDial(t, addr, [4]uint32{9, 8, 7, 6})
		assert.Zero(t, selected)
		requireClosed(t, conn)
	})

	t.Run("bad_magic_closes_without_reply", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

		hello := make([]byte, handshakeSize)
		copy(hello, "BOLT")
		binary.BigEndian.PutUint32(hello[4:], ProtocolVersion)
		_, err = conn.Write(hello)
		require.NoError(t, err)

		var one [1]byte
		_, err = conn.Read(one[:])
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("client_dial_negotiates", func(t *testing.T) {
		client := newTestClient(t, addr)
		assert.Equal(t, ProtocolVersion, client.Version())
	})

	t.Run("client_reports_version_mismatch", func(t *testing.T) {
		refuser, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer refuser.Close()
		go func() {
			conn, err := refuser.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			io.ReadFull(conn, make([]byte, handshakeSize))
			conn.Write([]byte{0, 0, 0, 0})
		}()

		_, err = Dial(refuser.Addr().String())
		require.ErrorIs(t, err, ErrVersionMismatch)
	})
}

func TestProtocolViolations(t *testing.T) {
	t.Run("unknown_opcode_fails_typed_then_closes", func(t *testing.T) {
		_, addr := startServer(t, 2)
		conn, _ := rawDial(t, addr, [4]uint32{ProtocolVersion, 0, 0, 0})

		rawSend(t, conn, []byte{0x55})
		code, message := requireFailure(t, rawReceive(t, conn))
		assert.Equal(t, CodeProtocol, code)
		assert.Contains(t, message, "opcode")
		requireClosed(t, conn)
	})

	t.Run("malformed_body_fails_typed_then_closes", func(t *testing.T) {
		_, addr := startServer(t, 2)
		conn, _ := rawDial(t, addr, [4]uint32{ProtocolVersion, 0, 0, 0})

		rawSend(t, conn, []byte{OpFindPath, 1, 2, 3})
		code, message := requireFailure(t, rawReceive(t, conn))
		assert.Equal(t, CodeProtocol, code)
		assert.Contains(t, message, "truncated")
		requireClosed(t, conn)
	})

	t.Run("trailing_bytes_fail_typed", func(t *testing.T) {
		_, addr := startServer(t, 2)
		conn, _ := rawDial(t, addr, [4]uint32{ProtocolVersion, 0, 0, 0})

		rawSend(t, conn, []byte{OpStats, 0xFF, 0xFF})
		code, message := requireFailure(t, rawReceive(t, conn))
		assert.Equal(t, CodeProtocol, code)
		assert.Contains(t, message, "trailing")
	})

	t.Run("empty_frame_fails_typed_then_closes", func(t *testing.T) {
		_, addr := startServer(t, 2)
		conn, _ := rawDial(t, addr, [4]uint32{ProtocolVersion, 0, 0, 0})

		rawSend(t, conn, nil)
		code, _ := requireFailure(t, rawReceive(t, conn))
		assert.Equal(t, CodeProtocol, code)
		requireClosed(t, conn)
	})

	t.Run("oversized_frame_fails_typed_then_closes", func(t *testing.T) {
		_, addr := startServer(t, 2)
		conn, _ := rawDial(t, addr, [4]uint32{ProtocolVersion, 0, 0, 0})

		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxFrame+1)
		_, err := conn.Write(header[:])
		require.NoError(t, err)

		code, message := requireFailure(t, rawReceive(t, conn))
		assert.Equal(t, CodeProtocol, code)
		assert.Contains(t, message, "frame")
		requireClosed(t, conn)
	})

	t.Run("violation_costs_one_connection_not_the_server", func(t *testing.T) {
		_, addr := startServer(t, 2)
		bad, _ := rawDial(t, addr, [4]uint32{ProtocolVersion, 0, 0, 0})
		rawSend(t, bad, []byte{0x55})
		requireFailure(t, rawReceive(t, bad))
		requireClosed(t, bad)

		client := newTestClient(t, addr)
		res, err := client.Learn(context.Background(), "the server is still up", learn.Options{})
		require.NoError(t, err)
		assert.True(t, res.New)
	})
}

func TestClientServer(t *testing.T) {
	ctx := context.Background()

	t.Run("learn_then_find_path_over_the_wire", func(t *testing.T) {
		_, addr := startServer(t, 4)
		client := newTestClient(t, addr)

		first, err := client.Learn(ctx, "Paris is the capital of France", learn.Options{})
		require.NoError(t, err)
		assert.True(t, first.New)
		assert.Equal(t, 3, first.Associations)

		second, err := client.Learn(ctx, "France is in Europe", learn.Options{})
		require.NoError(t, err)
		assert.True(t, second.New)

		paris := concept.DeriveID("paris")
		europe := concept.DeriveID("europe")
		paths, err := client.FindPath(ctx, paris, europe, 3)
		require.NoError(t, err)
		require.Len(t, paths, 1)

		assert.Equal(t, 2, paths[0].Length())
		assert.InDelta(t, 0.64, paths[0].Confidence, 1e-9)
		assert.Equal(t, []concept.ConceptID{paris, concept.DeriveID("france"), europe}, paths[0].IDs())
		assert.Equal(t, "france", paths[0].Steps[0].Node.Content)
	})

	t.Run("relearn_reports_not_new", func(t *testing.T) {
		_, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		content := "water boils at 100 celsius"
		first, err := client.Learn(ctx, content, learn.Options{})
		require.NoError(t, err)
		assert.True(t, first.New)
		assert.Equal(t, concept.DeriveID(content), first.ID)

		again, err := client.Learn(ctx, content, learn.Options{})
		require.NoError(t, err)
		assert.False(t, again.New)
		assert.Equal(t, first.ID, again.ID)
		assert.Zero(t, again.Associations)
	})

	t.Run("batch_results_are_positional", func(t *testing.T) {
		_, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		contents := []string{"alpha particle", "beta decay", "gamma ray"}
		results, err := client.LearnBatch(ctx, contents, learn.Options{})
		require.NoError(t, err)
		require.Len(t, results, len(contents))
		for i, content := range contents {
			assert.Equal(t, concept.DeriveID(content), results[i].ID, "item %d", i)
		}
	})

	t.Run("validation_failure_maps_to_code_1", func(t *testing.T) {
		_, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		_, err := client.Learn(ctx, "   ", learn.Options{})
		var failure *Failure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, CodeValidation, failure.Code)
		assert.Contains(t, failure.Message, "content")

		res, err := client.Learn(ctx, "still serving after a failure", learn.Options{})
		require.NoError(t, err)
		assert.True(t, res.New)
	})

	t.Run("absent_endpoints_yield_empty_paths", func(t *testing.T) {
		_, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		paths, err := client.FindPath(ctx, concept.DeriveID("ghost"), concept.DeriveID("wraith"), 3)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("contradictions_empty_for_peaceful_neighborhood", func(t *testing.T) {
		_, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		res, err := client.Learn(ctx, "entropy never decreases", learn.Options{})
		require.NoError(t, err)

		found, err := client.FindContradictions(ctx, res.ID, 2)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("semantic_query_over_the_wire", func(t *testing.T) {
		_, addr := startServer(t, 1)
		client := newTestClient(t, addr)

		res, err := client.Learn(ctx, "Patients must fast before surgery", learn.Options{})
		require.NoError(t, err)
		_, err = client.Learn(ctx, "the sky is blue", learn.Options{})
		require.NoError(t, err)

		filter := &semantic.Filter{
			Types:   []concept.SemanticType{concept.Rule},
			Domains: []string{"medical"},
		}
		nodes, err := client.QueryBySemantic(ctx, filter, 10)
		require.NoError(t, err)
		require.NotEmpty(t, nodes)

		var hit bool
		for _, n := range nodes {
			assert.Equal(t, concept.Rule, n.Meta.Type)
			assert.True(t, n.Meta.HasDomain("medical"))
			if n.ID == res.ID {
				hit = true
			}
		}
		assert.True(t, hit, "learned rule missing from results")
	})

	t.Run("multi_shard_semantic_query_maps_to_code_6", func(t *testing.T) {
		_, addr := startServer(t, 4)
		client := newTestClient(t, addr)

		filter := &semantic.Filter{Types: []concept.SemanticType{concept.Rule}}
		_, err := client.QueryBySemantic(ctx, filter, 10)
		var failure *Failure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, CodeShardUnsupported, failure.Code)
	})

	t.Run("causal_chain_over_the_wire", func(t *testing.T) {
		_, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		_, err := client.Learn(ctx, "Smoking causes lung disease", learn.Options{})
		require.NoError(t, err)

		paths, err := client.FindCausalChain(ctx,
			concept.DeriveID("smoking"), concept.DeriveID("lung disease"), 2)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, 1, paths[0].Length())
		assert.InDelta(t, 0.85, paths[0].Confidence, 1e-9)
		assert.Equal(t, concept.Causes, paths[0].Steps[0].Assoc.Type)
	})

	t.Run("temporal_chain_windows_round_trip", func(t *testing.T) {
		srv, addr := startServer(t, 2)
		client := newTestClient(t, addr)
		store := srv.backend.Store
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		seed := func(content string, until time.Time) concept.ConceptID {
			node := concept.NewNode(content)
			node.Meta.ValidFrom = base.AddDate(-1, 0, 0)
			node.Meta.ValidUntil = until
			_, err := store.CommitLearn(ctx, node, nil, nil)
			require.NoError(t, err)
			return node.ID
		}
		a := seed("quarterly close opens", time.Time{})
		b := seed("ledger freeze begins", time.Time{})
		c := seed("audit window ends", time.Time{})
		_, err := store.Link(ctx, a, b, concept.Precedes, 1, 0.9)
		require.NoError(t, err)
		_, err = store.Link(ctx, b, c, concept.Precedes, 1, 0.9)
		require.NoError(t, err)

		paths, err := client.FindTemporalChain(ctx, a, c, 3, base, time.Time{})
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, 2, paths[0].Length())

		_, err = client.FindTemporalChain(ctx, a, c, 3, base, base.AddDate(-2, 0, 0))
		var failure *Failure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, CodeValidation, failure.Code)
	})

	t.Run("filtered_path_search_over_the_wire", func(t *testing.T) {
		_, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		_, err := client.Learn(ctx, "Paris is the capital of France", learn.Options{})
		require.NoError(t, err)

		paths, err := client.FindPathSemantic(ctx,
			concept.DeriveID("paris"), concept.DeriveID("france"), 2,
			&semantic.Filter{MinConfidence: 0.99})
		require.NoError(t, err)
		assert.Empty(t, paths, "no stub clears a 0.99 confidence bar")

		paths, err = client.FindPathSemantic(ctx,
			concept.DeriveID("paris"), concept.DeriveID("france"), 2, nil)
		require.NoError(t, err)
		require.Len(t, paths, 1)
	})

	t.Run("stats_reflect_activity", func(t *testing.T) {
		_, addr := startServer(t, 4)
		client := newTestClient(t, addr)

		_, err := client.Learn(ctx, "stats probe one", learn.Options{})
		require.NoError(t, err)
		_, err = client.Learn(ctx, "stats probe two", learn.Options{})
		require.NoError(t, err)

		snap, err := client.Stats(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snap.Concepts, 2)
		assert.GreaterOrEqual(t, snap.Counters.Learns, uint64(2))
		assert.Len(t, snap.Shards, 4)
		assert.False(t, snap.StartedAt.IsZero())
		assert.NotEmpty(t, snap.ByType)
	})

	t.Run("concurrent_clients_do_not_interfere", func(t *testing.T) {
		_, addr := startServer(t, 4)

		var g errgroup.Group
		for i := 0; i < 4; i++ {
			content := fmt.Sprintf("concurrent fact %d", i)
			g.Go(func() error {
				client, err := Dial(addr)
				if err != nil {
					return err
				}
				defer client.Close()
				res, err := client.Learn(ctx, content, learn.Options{})
				if err != nil {
					return err
				}
				if !res.New {
					return fmt.Errorf("%s: expected a new concept", content)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		client := newTestClient(t, addr)
		snap, err := client.Stats(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snap.Concepts, 4)
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Run("new_requires_a_full_backend", func(t *testing.T) {
		backend := newTestBackend(t, 1)

		_, err := New(nil, Backend{Engine: backend.Engine, Store: backend.Store})
		require.Error(t, err)
		_, err = New(nil, Backend{Learner: backend.Learner, Store: backend.Store})
		require.Error(t, err)
		_, err = New(nil, Backend{Learner: backend.Learner, Engine: backend.Engine})
		require.Error(t, err)

		srv, err := New(nil, backend)
		require.NoError(t, err)
		assert.Nil(t, srv.Addr())
		require.NoError(t, srv.Close())
	})

	t.Run("close_is_idempotent_and_kills_sessions", func(t *testing.T) {
		srv, addr := startServer(t, 2)
		client := newTestClient(t, addr)

		_, err := client.Learn(context.Background(), "about to lose the server", learn.Options{})
		require.NoError(t, err)

		require.NoError(t, srv.Close())
		require.NoError(t, srv.Close())
		assert.True(t, srv.IsClosed())

		_, err = client.Learn(context.Background(), "server is gone", learn.Options{})
		require.Error(t, err)
	})

	t.Run("listen_after_close_is_refused", func(t *testing.T) {
		srv, err := New(&Config{Addr: "127.0.0.1:0"}, newTestBackend(t, 1))
		require.NoError(t, err)
		require.NoError(t, srv.Close())
		require.ErrorIs(t, srv.ListenAndServe(), ErrServerClosed)
	})

	t.Run("client_calls_refused_after_client_close", func(t *testing.T) {
		_, addr := startServer(t, 1)
		client := newTestClient(t, addr)
		require.NoError(t, client.Close())

		_, err := client.Stats(context.Background())
		require.ErrorIs(t, err, ErrClientClosed)
	})
}
