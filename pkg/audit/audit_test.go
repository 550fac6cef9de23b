package audit

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	log := NewLog()

	first, err := log.Append(KindSessionCreated, "s-1", nil, nil)
	require.NoError(t, err)
	second, err := log.Append(KindIntentRecorded, "s-1", []string{"a-1"}, map[string]string{"goal": "x"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.Equal(t, uint64(2), log.Len())
}

func TestConcurrentAppendsStayOrdered(t *testing.T) {
	log := NewLog()
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := log.Append(KindExecutionStarted, "s-1", nil, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(writers*perWriter), log.Len())
	require.NoError(t, log.Verify())

	// Sequences are dense: every position is occupied exactly once.
	for seq := uint64(1); seq <= log.Len(); seq++ {
		event, err := log.Get(seq)
		require.NoError(t, err)
		assert.Equal(t, seq, event.Sequence)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	log := NewLog()
	_, err := log.Append(KindSessionCreated, "s-1", nil, nil)
	require.NoError(t, err)
	event, err := log.Append(KindViolation, "s-1", nil, map[string]string{"code": "ICNP-004"})
	require.NoError(t, err)

	require.NoError(t, log.Verify())

	event.SessionID = "s-2" // illegal mutation
	assert.ErrorIs(t, log.Verify(), ErrChainBroken)
}

func TestBySessionFilters(t *testing.T) {
	log := NewLog()
	_, err := log.Append(KindSessionCreated, "s-1", nil, nil)
	require.NoError(t, err)
	_, err = log.Append(KindSessionCreated, "s-2", nil, nil)
	require.NoError(t, err)
	_, err = log.Append(KindIntentRecorded, "s-1", nil, nil)
	require.NoError(t, err)

	events := log.BySession("s-1")
	require.Len(t, events, 2)
	assert.Equal(t, KindSessionCreated, events[0].Kind)
	assert.Equal(t, KindIntentRecorded, events[1].Kind)
}

func TestHandlersNotified(t *testing.T) {
	log := NewLog()
	var got []Kind
	log.Subscribe(func(e *Event) { got = append(got, e.Kind) })

	_, err := log.Append(KindTokenIssued, "s-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindTokenIssued}, got)
}

func TestGetUnknownSequence(t *testing.T) {
	log := NewLog()
	_, err := log.Get(1)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestSQLiteSinkPersistsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	log := NewLog().WithSink(sink)
	_, err = log.Append(KindSessionCreated, "s-1", []string{"a-1"}, map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = log.Append(KindSessionCompleted, "s-1", nil, nil)
	require.NoError(t, err)

	n, err := sink.Count(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// A replayed sequence violates the primary key and must not be
	// acknowledged.
	dup := &Event{Sequence: 1, EventID: "x", Kind: KindViolation, SessionID: "s-1"}
	assert.Error(t, sink.Write(dup))
}
