package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
)

const shortWait = 50 * time.Millisecond

func signal(member string, args ...any) *ir.Event {
	return &ir.Event{
		Kind:      ir.KindSignal,
		Interface: "org.example.Peer",
		Member:    member,
		Path:      "/org/example/Peer",
		Args:      args,
	}
}

func sig(member string) pattern.Pattern {
	return pattern.Signal("org.example.Peer", member)
}

func TestAppend_AssignsIncreasingSeq(t *testing.T) {
	log := New()
	a, b := signal("A"), signal("B")
	require.NoError(t, log.Append(a))
	require.NoError(t, log.Append(b))

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.Equal(t, 2, log.Len())
}

func TestAppend_NilEvent(t *testing.T) {
	assert.Error(t, New().Append(nil))
}

func TestExpect_ConsumesFirstMatch(t *testing.T) {
	ctx := context.Background()
	log := New()
	first, second := signal("Tick", 1), signal("Tick", 2)
	require.NoError(t, log.Append(first))
	require.NoError(t, log.Append(second))

	got, err := log.ExpectWithin(ctx, shortWait, sig("Tick"))
	require.NoError(t, err)
	assert.Same(t, first, got)

	got, err = log.ExpectWithin(ctx, shortWait, sig("Tick"))
	require.NoError(t, err)
	assert.Same(t, second, got)

	_, err = log.ExpectWithin(ctx, shortWait, sig("Tick"))
	assert.True(t, IsTimeout(err))
}

func TestExpect_RetainsNonMatchingEvents(t *testing.T) {
	ctx := context.Background()
	log := New()
	a, b, c := signal("A"), signal("B"), signal("C")
	for _, ev := range []*ir.Event{a, b, c} {
		require.NoError(t, log.Append(ev))
	}

	got, err := log.ExpectWithin(ctx, shortWait, sig("C"))
	require.NoError(t, err)
	assert.Same(t, c, got)

	assert.Equal(t, []*ir.Event{a, b}, log.Pending())

	got, err = log.ExpectWithin(ctx, shortWait, sig("A"))
	require.NoError(t, err)
	assert.Same(t, a, got)
}

func TestExpect_WaitsForLaterAppend(t *testing.T) {
	log := New()
	ev := signal("Late")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = log.Append(signal("Other"))
		_ = log.Append(ev)
	}()

	got, err := log.ExpectWithin(context.Background(), time.Second, sig("Late"))
	require.NoError(t, err)
	assert.Same(t, ev, got)
	assert.Len(t, log.Pending(), 1)
}

func TestExpect_TimeoutNamesPattern(t *testing.T) {
	log := New()
	require.NoError(t, log.Append(signal("Other")))

	_, err := log.ExpectWithin(context.Background(), shortWait, sig("Missing"))
	require.Error(t, err)

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, CodeTimeout, f.Code)
	assert.Equal(t, []string{sig("Missing").String()}, f.Patterns)
	assert.Contains(t, err.Error(), `member == "Missing"`)
	assert.NoError(t, log.Err(), "timeouts do not fail the log")
}

func TestExpect_ContextCancel(t *testing.T) {
	log := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := log.ExpectWithin(ctx, time.Minute, sig("Never"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
}

func TestExpect_ConsumptionIsExclusive(t *testing.T) {
	log := New()
	const waiters = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		matched  []*ir.Event
		timeouts int
	)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := log.ExpectWithin(context.Background(), 200*time.Millisecond, sig("Once"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, IsTimeout(err))
				timeouts++
				return
			}
			matched = append(matched, ev)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, log.Append(signal("Once")))
	require.NoError(t, log.Append(signal("Once")))
	wg.Wait()

	require.Len(t, matched, 2)
	assert.NotSame(t, matched[0], matched[1])
	assert.Equal(t, waiters-2, timeouts)
}

func TestExpectMany_Sequential(t *testing.T) {
	ctx := context.Background()
	log := New()
	a1, b, a2 := signal("A", 1), signal("B"), signal("A", 2)
	for _, ev := range []*ir.Event{a1, b, a2} {
		require.NoError(t, log.Append(ev))
	}

	got, err := log.ExpectManyWithin(ctx, shortWait, Sequential, sig("B"), sig("A"))
	require.NoError(t, err)
	assert.Equal(t, []*ir.Event{b, a2}, got)
	assert.Equal(t, []*ir.Event{a1}, log.Pending())
}

func TestExpectMany_SequentialTimeoutListsUnreached(t *testing.T) {
	log := New()
	require.NoError(t, log.Append(signal("B")))
	require.NoError(t, log.Append(signal("A")))

	_, err := log.ExpectManyWithin(context.Background(), shortWait, Sequential, sig("A"), sig("B"), sig("C"))
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, CodeTimeout, f.Code)
	assert.Equal(t, []string{sig("B").String(), sig("C").String()}, f.Patterns)
}

func TestExpectMany_UnorderedReturnsSuppliedOrder(t *testing.T) {
	ctx := context.Background()
	log := New()
	x, y, z := signal("X"), signal("Y"), signal("Z")
	for _, ev := range []*ir.Event{z, x, y} {
		require.NoError(t, log.Append(ev))
	}

	got, err := log.ExpectManyWithin(ctx, shortWait, Unordered, sig("X"), sig("Y"), sig("Z"))
	require.NoError(t, err)
	assert.Equal(t, []*ir.Event{x, y, z}, got)
	assert.Empty(t, log.Pending())
}

func TestExpectMany_UnorderedEventSatisfiesOnePattern(t *testing.T) {
	ctx := context.Background()
	log := New()
	first, second := signal("Changed", "a"), signal("Changed", "b")
	require.NoError(t, log.Append(first))

	done := make(chan []*ir.Event, 1)
	go func() {
		got, err := log.ExpectManyWithin(ctx, time.Second, Unordered, sig("Changed"), pattern.Any())
		assert.NoError(t, err)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, log.Append(second))

	got := <-done
	assert.Equal(t, []*ir.Event{first, second}, got)
}

func TestExpectMany_UnorderedTimeoutNamesPending(t *testing.T) {
	log := New()
	require.NoError(t, log.Append(signal("X")))

	_, err := log.ExpectManyWithin(context.Background(), shortWait, Unordered, sig("X"), sig("Y"))
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, []string{sig("Y").String()}, f.Patterns)
}

func TestExpectMany_Empty(t *testing.T) {
	got, err := New().ExpectMany(context.Background(), Unordered)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestForbidden_FailsOnAppendWithoutWaiter(t *testing.T) {
	log := New()
	log.Forbid(sig("Disconnect"))

	ev := signal("Disconnect")
	err := log.Append(ev)
	require.Error(t, err)
	assert.True(t, IsForbidden(err))

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Same(t, ev, f.Event)
	assert.Equal(t, []string{sig("Disconnect").String()}, f.Patterns)

	assert.True(t, IsForbidden(log.Err()))
	assert.Empty(t, log.Pending())

	history := log.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Forbidden)
}

func TestForbidden_TakesPrecedenceOverWaiter(t *testing.T) {
	log := New()
	log.Forbid(sig("Disconnect"))

	errc := make(chan error, 1)
	go func() {
		_, err := log.ExpectWithin(context.Background(), time.Second, sig("Disconnect"))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = log.Append(signal("Disconnect"))

	err := <-errc
	assert.True(t, IsForbidden(err), "waiter must see the failure, not the event")
}

func TestForbidden_WakesUnrelatedWaiters(t *testing.T) {
	log := New()
	log.Forbid(sig("Bad"))

	errc := make(chan error, 1)
	go func() {
		_, err := log.ExpectWithin(context.Background(), time.Second, sig("Good"))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = log.Append(signal("Bad"))
	assert.True(t, IsForbidden(<-errc))

	_, err := log.ExpectWithin(context.Background(), time.Second, pattern.Any())
	assert.True(t, IsForbidden(err), "failed log rejects later expectations")
}

func TestForbid_Unforbid(t *testing.T) {
	log := New()
	log.Forbid(sig("Bad"), sig("Bad"))
	assert.Equal(t, 1, log.Forbidden().Len())

	log.Unforbid(sig("Bad"))
	log.Unforbid(sig("Bad"))
	assert.Equal(t, 0, log.Forbidden().Len())

	assert.NoError(t, log.Append(signal("Bad")))
	assert.NoError(t, log.Err())
}

func TestForbid_DoesNotRecheckHistory(t *testing.T) {
	log := New()
	require.NoError(t, log.Append(signal("Bad")))
	log.Forbid(sig("Bad"))
	assert.NoError(t, log.Err())
	assert.Len(t, log.Pending(), 1)
}

func TestFail_KeepsFirstAndRunsHooks(t *testing.T) {
	log := New()
	var seen []error
	log.OnFailure(func(err error) { seen = append(seen, err) })

	first := errors.New("first")
	assert.Equal(t, first, log.Fail(first))
	assert.Equal(t, first, log.Fail(errors.New("second")))
	assert.Equal(t, []error{first}, seen)

	var late error
	log.OnFailure(func(err error) { late = err })
	assert.Equal(t, first, late)
}

func TestAppend_AfterFailureIsRecordedOnly(t *testing.T) {
	log := New()
	_ = log.Fail(NewUnknownPeerFailure("org.example.Peer", "emit", "withdrawn"))

	require.NoError(t, log.Append(signal("After")))
	assert.Equal(t, 1, log.Len())

	_, err := log.ExpectWithin(context.Background(), shortWait, sig("After"))
	assert.True(t, IsUnknownPeer(err))
}

func TestAppendSynthetic(t *testing.T) {
	log := New()
	ev, err := log.AppendSynthetic("checkpoint", "step-1")
	require.NoError(t, err)
	assert.Equal(t, ir.KindSynthetic, ev.Kind)

	got, err := log.Expect(context.Background(), pattern.Synthetic("checkpoint"))
	require.NoError(t, err)
	assert.Same(t, ev, got)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("unordered")
	require.NoError(t, err)
	assert.Equal(t, Unordered, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Sequential, m)

	_, err = ParseMode("parallel")
	assert.Error(t, err)
}
