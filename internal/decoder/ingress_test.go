package decoder

import (
	"errors"
	"testing"
	"time"
)

func TestIngressPreloadThenReclaim(t *testing.T) {
	e := newFakeEngine()
	r := newIngressRing(e, 2, time.Millisecond)

	for i, payload := range [][]byte{{1}, {2}, {3}, {4}} {
		if err := r.Submit(payload, int64(i)*1_500_000, false); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	subs, _ := e.snapshot()
	wantSlots := []int{0, 1, 0, 1}
	for i, s := range subs {
		if s.slot != wantSlots[i] {
			t.Errorf("submission %d used slot %d, want %d", i, s.slot, wantSlots[i])
		}
	}
	if subs[3].ts.Sec != 4 || subs[3].ts.Usec != 500_000 {
		t.Errorf("timestamp = %+v, want 4s 500000us", subs[3].ts)
	}
	if r.outstanding() != 2 {
		t.Errorf("outstanding = %d, want 2", r.outstanding())
	}
	if r.submitted.Load() != 4 || r.dropped.Load() != 0 {
		t.Errorf("submitted %d dropped %d", r.submitted.Load(), r.dropped.Load())
	}
}

func TestIngressNilPayloadIsEndOfStream(t *testing.T) {
	e := newFakeEngine()
	r := newIngressRing(e, 2, time.Millisecond)

	if err := r.Submit(nil, 0, false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	subs, _ := e.snapshot()
	if len(subs) != 1 || !subs[0].eos || len(subs[0].payload) != 0 {
		t.Errorf("submission = %+v, want empty end-of-stream", subs)
	}
}

func TestIngressReclaimErrors(t *testing.T) {
	tests := []struct {
		name      string
		completed []int
		reclaim   error
		wantKind  Kind
		wantSlot  bool
	}{
		{name: "would block", wantSlot: true},
		{name: "hard error", reclaim: errors.New("EIO"), wantKind: KindEngineHardError},
		{name: "out of range", completed: []int{9}, wantKind: KindEngineHardError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFakeEngine()
			e.holdInput = true
			r := newIngressRing(e, 2, time.Millisecond)
			for range 2 {
				if err := r.Submit([]byte{1}, 0, false); err != nil {
					t.Fatal(err)
				}
			}
			e.completed = tt.completed
			e.reclaimErr = tt.reclaim

			err := r.Submit([]byte{2}, 0, false)
			if tt.wantSlot && !errors.Is(err, ErrNoSlot) {
				t.Errorf("err = %v, want ErrNoSlot", err)
			}
			if tt.wantKind != "" && KindOf(err) != tt.wantKind {
				t.Errorf("err = %v, want kind %s", err, tt.wantKind)
			}
			if r.dropped.Load() != 1 {
				t.Errorf("dropped = %d, want 1", r.dropped.Load())
			}
		})
	}
}

func TestIngressReclaimOfFreeSlotRejected(t *testing.T) {
	e := newFakeEngine()
	e.holdInput = true
	r := newIngressRing(e, 2, time.Millisecond)
	if err := r.Submit([]byte{1}, 0, false); err != nil {
		t.Fatal(err)
	}
	r.preloaded = 2
	e.completed = []int{1}

	if err := r.Submit([]byte{2}, 0, false); KindOf(err) != KindEngineHardError {
		t.Errorf("err = %v, want engine hard error for slot never submitted", err)
	}
}

func TestIngressFailedSubmitReusesSlot(t *testing.T) {
	e := newFakeEngine()
	r := newIngressRing(e, 2, time.Millisecond)

	e.fail["submit"] = errors.New("queue full")
	if err := r.Submit([]byte{1}, 0, false); KindOf(err) != KindEngineHardError {
		t.Fatalf("err = %v, want engine hard error", err)
	}
	delete(e.fail, "submit")

	if err := r.Submit([]byte{2}, 0, false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := r.Submit([]byte{3}, 0, false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	subs, _ := e.snapshot()
	if len(subs) != 2 || subs[0].slot != 0 || subs[1].slot != 1 {
		t.Errorf("submissions = %+v, want slots 0 then 1", subs)
	}
}

func TestIngressReset(t *testing.T) {
	e := newFakeEngine()
	r := newIngressRing(e, 2, time.Millisecond)
	_ = r.Submit([]byte{1}, 0, false)
	r.reset()

	if r.preloaded != 0 || r.outstanding() != 0 {
		t.Errorf("after reset preloaded=%d outstanding=%d", r.preloaded, r.outstanding())
	}
	for i, s := range r.states {
		if s != SlotFree {
			t.Errorf("slot %d = %s", i, s)
		}
	}
}

func TestIngressUnqueuedSlotStaysWithRing(t *testing.T) {
	e := newFakeEngine()
	e.keepEmpty = true
	e.holdInput = true
	r := newIngressRing(e, 2, time.Millisecond)

	// More empty chunks than slots: none of them may leak a slot.
	for i := range 5 {
		if err := r.Submit([]byte{}, int64(i), false); err != nil {
			t.Fatalf("empty submit %d: %v", i, err)
		}
	}
	if r.outstanding() != 0 {
		t.Fatalf("outstanding = %d after unqueued submits, want 0", r.outstanding())
	}

	for i, payload := range [][]byte{{1}, {2}} {
		if err := r.Submit(payload, 0, false); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if r.outstanding() != 2 {
		t.Errorf("outstanding = %d, want 2", r.outstanding())
	}

	subs, _ := e.snapshot()
	got := []int{subs[5].slot, subs[6].slot}
	if got[0] == got[1] {
		t.Errorf("both packets used slot %d", got[0])
	}
	if r.dropped.Load() != 0 || r.submitted.Load() != 7 {
		t.Errorf("submitted %d dropped %d, want 7 and 0", r.submitted.Load(), r.dropped.Load())
	}
}

func TestIngressEndOfStreamWithoutQueue(t *testing.T) {
	e := newFakeEngine()
	e.keepEmpty = true
	e.holdInput = true
	r := newIngressRing(e, 1, time.Millisecond)

	if err := r.Submit(nil, 0, true); err != nil {
		t.Fatalf("end of stream: %v", err)
	}
	if err := r.Submit([]byte{1}, 0, false); err != nil {
		t.Fatalf("submit after end of stream: %v", err)
	}
	subs, _ := e.snapshot()
	if len(subs) != 2 || subs[1].slot != 0 {
		t.Errorf("submissions = %+v, want slot 0 reused", subs)
	}
}
