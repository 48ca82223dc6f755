package diagnostics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/courier/common/clock"
)

type countingSink struct {
	counts map[Code]int64
}

func (s *countingSink) Add(code Code, n int64) { s.counts[code] += n }

func TestTracker_Record(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1000))
	sink := &countingSink{counts: map[Code]int64{}}
	tr := NewTracker(nil, WithClock(fake), WithSink(sink), WithCapacity(2))
	ctx := context.Background()

	tr.Record(ctx, CodeWriteFailure, errors.New("disk full"))
	tr.Record(ctx, CodeParseFailure, errors.New("bad gzip"))
	tr.Record(ctx, CodeWriteFailure, nil)

	assert.Equal(t, int64(2), tr.Count(CodeWriteFailure))
	assert.Equal(t, int64(1), tr.Count(CodeParseFailure))
	assert.Equal(t, int64(0), tr.Count(CodeFileMissing))
	assert.Equal(t, map[Code]int64{CodeWriteFailure: 2, CodeParseFailure: 1}, sink.counts)

	recent := tr.Recent()
	if assert.Len(t, recent, 2) {
		assert.Equal(t, CodeParseFailure, recent[0].Code)
		assert.Equal(t, "bad gzip", recent[0].Message)
		assert.Equal(t, CodeWriteFailure, recent[1].Code)
		assert.Equal(t, time.UnixMilli(1000), recent[1].At)
	}
}

func TestTracker_NilSafe(t *testing.T) {
	var tr *Tracker
	assert.NotPanics(t, func() {
		tr.Record(context.Background(), CodeWriteFailure, errors.New("x"))
	})
}

func TestCode_Recoverable(t *testing.T) {
	assert.True(t, CodeResurrectionNoSession.Recoverable())
	assert.False(t, CodeCrashParseFailure.Recoverable())
}
