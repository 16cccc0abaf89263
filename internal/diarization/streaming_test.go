package diarization

import (
	"errors"
	"testing"
)

func TestStreaming_ToneChangeSplitsSegments(t *testing.T) {
	cfg := testConfig()
	cfg.ChangeThreshold = 0.5
	e := NewEngine(cfg)

	if err := e.StartStream(1); err != nil {
		t.Fatal(err)
	}
	if !e.AddChunk(1, tone(300, 300, 16000), 16000) {
		t.Fatal("first chunk rejected")
	}
	if !e.AddChunk(1, tone(1200, 300, 16000), 16000) {
		t.Fatal("second chunk rejected")
	}
	res, err := e.FinishStream(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Segments) < 2 {
		t.Errorf("segments with threshold 0.5 = %d, want at least 2", len(res.Segments))
	}
	if res.TotalSpeakers < 2 {
		t.Errorf("speakers = %d, want at least 2", res.TotalSpeakers)
	}
	if res.DurationMs != 600 {
		t.Errorf("duration = %d, want 600", res.DurationMs)
	}
}

func TestStreaming_LooseThresholdKeepsOneSegment(t *testing.T) {
	cfg := testConfig()
	cfg.ChangeThreshold = 0.99
	e := NewEngine(cfg)

	if err := e.StartStream(1); err != nil {
		t.Fatal(err)
	}
	e.AddChunk(1, tone(300, 300, 16000), 16000)
	e.AddChunk(1, tone(1200, 300, 16000), 16000)
	res, err := e.FinishStream(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Segments) != 1 {
		t.Errorf("segments with threshold 0.99 = %d, want exactly 1", len(res.Segments))
	}
	if res.TotalSpeakers != 1 {
		t.Errorf("speakers = %d, want 1", res.TotalSpeakers)
	}
}

func TestStreaming_SegmentsOrderedAndDisjoint(t *testing.T) {
	cfg := testConfig()
	cfg.ChangeThreshold = 0.5
	e := NewEngine(cfg)

	if err := e.StartStream(9); err != nil {
		t.Fatal(err)
	}
	freqs := []float64{300, 300, 1200, 300, 1200, 1200, 300}
	for _, f := range freqs {
		if !e.AddChunk(9, tone(f, 150, 16000), 16000) {
			t.Fatal("chunk rejected")
		}
	}
	res, err := e.FinishStream(9)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Segments) == 0 {
		t.Fatal("no segments emitted")
	}
	for i, s := range res.Segments {
		if s.EndMs <= s.StartMs {
			t.Errorf("segment %d empty or inverted: %+v", i, s)
		}
		if i > 0 && s.StartMs < res.Segments[i-1].EndMs {
			t.Errorf("segment %d overlaps previous: %+v after %+v", i, s, res.Segments[i-1])
		}
	}
	if last := res.Segments[len(res.Segments)-1]; last.EndMs != int64(len(freqs))*150 {
		t.Errorf("final segment ends at %d, want %d", last.EndMs, len(freqs)*150)
	}
}

func TestStreaming_Lifecycle(t *testing.T) {
	e := NewEngine(testConfig())

	if err := e.StartStream(4); err != nil {
		t.Fatal(err)
	}
	if err := e.StartStream(4); !errors.Is(err, ErrDuplicateUtterance) {
		t.Errorf("duplicate start error = %v, want %v", err, ErrDuplicateUtterance)
	}

	if e.AddChunk(5, tone(300, 100, 16000), 16000) {
		t.Error("AddChunk accepted an unknown utterance id")
	}
	if e.AddChunk(4, nil, 16000) {
		t.Error("AddChunk accepted an empty chunk")
	}
	if e.AddChunk(4, tone(300, 100, 16000), 48001) {
		t.Error("AddChunk accepted an out-of-range sample rate")
	}

	e.CancelStream(4)
	if e.AddChunk(4, tone(300, 100, 16000), 16000) {
		t.Error("AddChunk accepted a chunk after cancel")
	}
	if _, err := e.FinishStream(4); !errors.Is(err, ErrUnknownUtterance) {
		t.Errorf("finish after cancel error = %v, want %v", err, ErrUnknownUtterance)
	}

	// The id can be reused once the old session is gone.
	if err := e.StartStream(4); err != nil {
		t.Errorf("restart after cancel: %v", err)
	}
}

func TestCancelStream_DropsSessionState(t *testing.T) {
	e := NewEngine(testConfig())
	for id := uint32(1); id <= 50; id++ {
		if err := e.StartStream(id); err != nil {
			t.Fatal(err)
		}
		e.AddChunk(id, tone(300, 100, 16000), 16000)
		e.CancelStream(id)
	}

	e.mu.Lock()
	retained := len(e.sessions)
	e.mu.Unlock()
	if retained != 0 {
		t.Errorf("%d cancelled sessions retained, want 0", retained)
	}
}

func TestStreaming_CurrentSpeaker(t *testing.T) {
	e := NewEngine(testConfig())
	if err := e.StartStream(2); err != nil {
		t.Fatal(err)
	}

	if _, ok := e.CurrentSpeaker(2); ok {
		t.Error("CurrentSpeaker reported a speaker before any audio")
	}

	e.AddChunk(2, tone(300, 200, 16000), 16000)
	seg, ok := e.CurrentSpeaker(2)
	if !ok {
		t.Fatal("CurrentSpeaker returned false after a chunk")
	}
	if seg.SpeakerID == 0 || seg.EndMs != 200 || seg.StartMs != 0 {
		t.Errorf("open segment = %+v, want speaker set and [0, 200)", seg)
	}

	if _, ok := e.CurrentSpeaker(99); ok {
		t.Error("CurrentSpeaker reported a speaker for an unknown id")
	}
}

func TestStreaming_ConcurrentUtterancesIsolated(t *testing.T) {
	e := NewEngine(testConfig())
	if err := e.StartStream(10); err != nil {
		t.Fatal(err)
	}
	if err := e.StartStream(11); err != nil {
		t.Fatal(err)
	}

	e.AddChunk(10, tone(300, 200, 16000), 16000)
	e.AddChunk(11, tone(300, 400, 16000), 16000)

	resA, err := e.FinishStream(10)
	if err != nil {
		t.Fatal(err)
	}
	resB, err := e.FinishStream(11)
	if err != nil {
		t.Fatal(err)
	}
	if resA.DurationMs != 200 || resB.DurationMs != 400 {
		t.Errorf("durations = %d, %d, want 200, 400", resA.DurationMs, resB.DurationMs)
	}
}
