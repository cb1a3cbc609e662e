package buffer_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/buffer/buffertest"
)

func TestWaitFinished_ParallelAndJoined(t *testing.T) {
	log := &buffertest.Log{}
	fast := buffertest.New("dmm1", dmmCaps, log)
	slow := buffertest.New("dmm2", dmmCaps, log)
	fast.FinishAfter = 10 * time.Millisecond
	slow.FinishAfter = 60 * time.Millisecond

	ctx := context.Background()
	require.NoError(t, fast.Start(ctx))
	require.NoError(t, slow.Start(ctx))

	start := time.Now()
	err := buffer.WaitFinished(ctx, []buffer.Buffer{fast, slow}, buffer.PollOptions{Interval: 2 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.False(t, fast.FinishedAt().IsZero())
	assert.False(t, slow.FinishedAt().IsZero())
	// Concurrent polling: total wait tracks the slowest buffer, not the sum.
	assert.Less(t, elapsed, 60*time.Millisecond+10*time.Millisecond+60*time.Millisecond)
	assert.True(t, fast.FinishedAt().Before(slow.FinishedAt()))
}

func TestWaitFinished_Timeout(t *testing.T) {
	never := buffertest.New("dmm", dmmCaps, nil)
	never.FinishAfter = time.Hour
	require.NoError(t, never.Start(context.Background()))

	err := buffer.WaitFinished(context.Background(), []buffer.Buffer{never}, buffer.PollOptions{Interval: time.Millisecond, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, buffer.ErrBuffer)
}

func TestWaitFinished_Cancelled(t *testing.T) {
	never := buffertest.New("dmm", dmmCaps, nil)
	never.FinishAfter = time.Hour
	require.NoError(t, never.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := buffer.WaitFinished(ctx, []buffer.Buffer{never}, buffer.PollOptions{Interval: time.Millisecond, Timeout: -1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitFinished_PollError(t *testing.T) {
	bad := buffertest.New("dmm", dmmCaps, nil)
	bad.FinishErr = buffertest.ErrInjected
	ok := buffertest.New("dmm2", dmmCaps, nil)
	ok.FinishAfter = time.Hour

	err := buffer.WaitFinished(context.Background(), []buffer.Buffer{bad, ok}, buffer.PollOptions{Interval: time.Millisecond, Timeout: time.Second})
	assert.ErrorIs(t, err, buffer.ErrBuffer)
}

func TestDistinct(t *testing.T) {
	a := buffertest.New("a", dmmCaps, nil)
	b := buffertest.New("b", dmmCaps, nil)
	got := buffer.Distinct([]buffer.Buffer{a, b, a, nil, b})
	assert.Equal(t, []buffer.Buffer{a, b}, got)
}

func TestTriggerMap_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triggers.json")
	m := buffer.TriggerMap{
		"dmm":    {Trigger: "software"},
		"lockin": {Terminals: map[string]string{"gate1": "trigger_in_1", "gate2": "trigger_in_1"}},
	}
	require.NoError(t, buffer.SaveTriggerMap(path, m))

	got, err := buffer.LoadTriggerMap(path)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	name, err := got["lockin"].Resolve()
	require.NoError(t, err)
	assert.Equal(t, "trigger_in_1", name)
}

func TestTriggerSetting_Conflict(t *testing.T) {
	s := buffer.TriggerSetting{Terminals: map[string]string{"a": "t1", "b": "t2"}}
	_, err := s.Resolve()
	assert.ErrorIs(t, err, buffer.ErrTrigger)
}

func TestApplyTriggerMap(t *testing.T) {
	dmm := buffertest.New("dmm", dmmCaps, nil)

	require.NoError(t, buffer.ApplyTriggerMap([]buffer.Buffer{dmm}, buffer.TriggerMap{"dmm": {Trigger: "software"}}))
	assert.Equal(t, "software", dmm.Trigger())

	err := buffer.ApplyTriggerMap([]buffer.Buffer{dmm}, buffer.TriggerMap{"dmm": {Trigger: "external"}})
	assert.ErrorIs(t, err, buffer.ErrTrigger)

	err = buffer.ApplyTriggerMap([]buffer.Buffer{dmm}, buffer.TriggerMap{})
	assert.ErrorIs(t, err, buffer.ErrTrigger)
}

func TestMapTriggers_SkipMapped(t *testing.T) {
	caps := buffer.NewCapabilities(0, 0, "software", "external")
	a := buffertest.New("a", caps, nil)
	b := buffertest.New("b", caps, nil)
	require.NoError(t, a.SetTrigger("external"))

	var asked []string
	choose := func(inst string, avail []string) (string, error) {
		asked = append(asked, inst)
		return buffer.FirstAvailable(inst, avail)
	}
	require.NoError(t, buffer.MapTriggers([]buffer.Buffer{a, b}, choose, true))
	assert.Equal(t, []string{"b"}, asked)
	assert.Equal(t, "external", a.Trigger())
	assert.Equal(t, "software", b.Trigger())

	snap := buffer.Snapshot([]buffer.Buffer{a, b})
	assert.Equal(t, "external", snap["a"].Trigger)

	_, err := buffer.FirstAvailable("x", nil)
	assert.True(t, errors.Is(err, buffer.ErrTrigger))
}

func TestMapTriggerIns(t *testing.T) {
	caps := buffer.NewCapabilities(0, 0, "software", "external")
	a := buffertest.NewTriggerInput("dac", caps)
	b := buffertest.NewTriggerInput("awg", caps)
	require.NoError(t, a.SetTriggerIn("external"))

	var asked []string
	choose := func(inst string, avail []string) (string, error) {
		asked = append(asked, inst)
		return buffer.FirstAvailable(inst, avail)
	}
	require.NoError(t, buffer.MapTriggerIns([]buffer.TriggerIn{a, b}, choose, true))
	assert.Equal(t, []string{"awg"}, asked)
	assert.Equal(t, "external", a.TriggerIn())
	assert.Equal(t, "software", b.TriggerIn())

	refuse := func(inst string, _ []string) (string, error) { return "optical", nil }
	err := buffer.MapTriggerIns([]buffer.TriggerIn{a}, refuse, false)
	assert.ErrorIs(t, err, buffer.ErrTrigger)
	assert.Equal(t, "external", a.TriggerIn())
}
