package dconfig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescerSingleBatch(t *testing.T) {
	l := startLoop(t)
	batches := make(chan []SyncKey, 4)
	sc := newSyncCoalescer(l, 40*time.Millisecond, func(b []SyncKey) { batches <- b })

	res := NewResourceKey("org.app", "example", "")
	same := SyncKey{Resource: res, UID: 1000}
	distinct := []SyncKey{
		{Resource: res, UID: 1001},
		{Resource: res, Global: true},
		{Resource: NewResourceKey("", "example", ""), UID: 1000},
	}

	require.NoError(t, l.call(context.Background(), func() error {
		for i := 0; i < 10; i++ {
			sc.push(same)
		}
		for _, k := range distinct {
			sc.push(k)
		}
		return nil
	}))

	var batch []SyncKey
	select {
	case batch = <-batches:
	case <-time.After(time.Second):
		t.Fatal("no flush")
	}
	assert.Len(t, batch, 4)
	assert.ElementsMatch(t, append([]SyncKey{same}, distinct...), batch)

	select {
	case extra := <-batches:
		t.Fatalf("second flush %v", extra)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestCoalescerRearmsAfterFlush(t *testing.T) {
	l := startLoop(t)
	batches := make(chan []SyncKey, 4)
	sc := newSyncCoalescer(l, 10*time.Millisecond, func(b []SyncKey) { batches <- b })
	k := SyncKey{Resource: NewResourceKey("org.app", "example", ""), UID: 1}

	for i := 0; i < 2; i++ {
		require.NoError(t, l.call(context.Background(), func() error {
			sc.push(k)
			return nil
		}))
		select {
		case b := <-batches:
			assert.Equal(t, []SyncKey{k}, b)
		case <-time.After(time.Second):
			t.Fatal("no flush")
		}
	}
}

func TestCoalescerStopDropsPending(t *testing.T) {
	l := startLoop(t)
	sc := newSyncCoalescer(l, 20*time.Millisecond, func([]SyncKey) { t.Error("flushed after stop") })
	require.NoError(t, l.call(context.Background(), func() error {
		sc.push(SyncKey{Resource: NewResourceKey("org.app", "example", "")})
		sc.stop()
		return nil
	}))
	time.Sleep(60 * time.Millisecond)
}
