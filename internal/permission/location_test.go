package permission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"localbuzz/internal/model"
)

var (
	home   = model.Coordinate{Latitude: 12.9716, Longitude: 77.5946}
	office = model.Coordinate{Latitude: 12.9352, Longitude: 77.6245}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type locateResult struct {
	coord model.Coordinate
	err   error
}

// mockLocator returns results in order, repeating the last one. When gate is
// set, each call blocks until gate is closed, ignoring its context.
type mockLocator struct {
	mu      sync.Mutex
	calls   int
	results []locateResult
	gate    chan struct{}
}

func (m *mockLocator) Locate(_ context.Context) (model.Coordinate, error) {
	m.mu.Lock()
	i := min(m.calls, len(m.results)-1)
	m.calls++
	r := m.results[i]
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return r.coord, r.err
}

func (m *mockLocator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var ignoreTime = cmpopts.IgnoreFields(Snapshot{}, "UpdatedAt")

func TestLocationRequestGranted(t *testing.T) {
	l := NewLocation(&mockLocator{results: []locateResult{{coord: home}}}, discardLogger())

	if diff := cmp.Diff(Snapshot{State: StateUnrequested}, l.Snapshot(), ignoreTime); diff != "" {
		t.Errorf("initial snapshot mismatch (-want +got):\n%s", diff)
	}

	got, err := l.Request(context.Background())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if diff := cmp.Diff(home, got); diff != "" {
		t.Errorf("coordinate mismatch (-want +got):\n%s", diff)
	}
	want := Snapshot{State: StateGranted, Coordinate: &home}
	if diff := cmp.Diff(want, l.Snapshot(), ignoreTime); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestLocationRequestFaults(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Fault
	}{
		{name: "denied", err: &Error{Fault: FaultPermissionDenied}, want: FaultPermissionDenied},
		{name: "unavailable", err: &Error{Fault: FaultPositionUnavailable}, want: FaultPositionUnavailable},
		{name: "unclassified", err: errors.New("gps off"), want: FaultPositionUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: FaultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := &mockLocator{results: []locateResult{{err: tt.err}, {coord: home}}}
			l := NewLocation(loc, discardLogger())

			_, err := l.Request(context.Background())
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("Request() error = %v, want *Error", err)
			}
			if diff := cmp.Diff(tt.want, perr.Fault); diff != "" {
				t.Errorf("fault mismatch (-want +got):\n%s", diff)
			}
			want := Snapshot{State: StateDenied, Fault: tt.want}
			if diff := cmp.Diff(want, l.Snapshot(), ignoreTime); diff != "" {
				t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}

			// Denied is recoverable by asking again.
			if _, err := l.Request(context.Background()); err != nil {
				t.Fatalf("retry: %v", err)
			}
			if diff := cmp.Diff(StateGranted, l.Snapshot().State); diff != "" {
				t.Errorf("state after retry mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLocationInvalidCoordinate(t *testing.T) {
	l := NewLocation(&mockLocator{results: []locateResult{{coord: model.Coordinate{Latitude: 91}}}}, discardLogger())

	_, err := l.Request(context.Background())
	if diff := cmp.Diff(FaultPositionUnavailable, Classify(err)); diff != "" {
		t.Errorf("fault mismatch (-want +got):\n%s", diff)
	}
}

func TestLocationSingleOutstandingRequest(t *testing.T) {
	loc := &mockLocator{results: []locateResult{{coord: home}}, gate: make(chan struct{})}
	l := NewLocation(loc, discardLogger())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]model.Coordinate, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = l.Request(context.Background())
		}()
	}

	waitFor(t, func() bool { return loc.callCount() == 1 })
	if diff := cmp.Diff(StatePending, l.Snapshot().State); diff != "" {
		t.Errorf("state while waiting mismatch (-want +got):\n%s", diff)
	}
	// Give the remaining callers time to join before releasing.
	time.Sleep(20 * time.Millisecond)
	close(loc.gate)
	wg.Wait()

	if diff := cmp.Diff(1, loc.callCount()); diff != "" {
		t.Errorf("locate calls mismatch (-want +got):\n%s", diff)
	}
	for i := range callers {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(home, results[i]); diff != "" {
			t.Errorf("caller %d coordinate mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestLocationTimeout(t *testing.T) {
	loc := &mockLocator{results: []locateResult{{coord: home}}, gate: make(chan struct{})}
	t.Cleanup(func() { close(loc.gate) })
	l := NewLocation(loc, discardLogger())
	l.SetTimeout(20 * time.Millisecond)

	_, err := l.Request(context.Background())
	if diff := cmp.Diff(FaultTimeout, Classify(err)); diff != "" {
		t.Errorf("fault mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(StateDenied, l.Snapshot().State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestLocationCallerCancelled(t *testing.T) {
	loc := &mockLocator{results: []locateResult{{coord: home}}, gate: make(chan struct{})}
	l := NewLocation(loc, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Request(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Request() error = %v, want context.Canceled", err)
	}

	// The abandoned request still completes and updates the machine.
	close(loc.gate)
	waitFor(t, func() bool { return l.Snapshot().State == StateGranted })
}

func TestLocationRefresh(t *testing.T) {
	loc := &mockLocator{results: []locateResult{
		{coord: home},
		{coord: office},
		{err: &Error{Fault: FaultPositionUnavailable}},
		{err: &Error{Fault: FaultPermissionDenied}},
	}}
	l := NewLocation(loc, discardLogger())
	ctx := context.Background()

	if _, err := l.Refresh(ctx); !errors.Is(err, ErrNotGranted) {
		t.Fatalf("Refresh() before grant error = %v, want ErrNotGranted", err)
	}
	if diff := cmp.Diff(0, loc.callCount()); diff != "" {
		t.Errorf("locate calls mismatch (-want +got):\n%s", diff)
	}

	if _, err := l.Request(ctx); err != nil {
		t.Fatalf("request: %v", err)
	}
	got, err := l.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if diff := cmp.Diff(office, got); diff != "" {
		t.Errorf("refreshed coordinate mismatch (-want +got):\n%s", diff)
	}

	if _, err := l.Refresh(ctx); Classify(err) != FaultPositionUnavailable {
		t.Fatalf("Refresh() error = %v, want position-unavailable", err)
	}
	want := Snapshot{State: StateGranted, Fault: FaultPositionUnavailable, Coordinate: &office}
	if diff := cmp.Diff(want, l.Snapshot(), ignoreTime); diff != "" {
		t.Errorf("snapshot after failed refresh mismatch (-want +got):\n%s", diff)
	}

	if _, err := l.Refresh(ctx); Classify(err) != FaultPermissionDenied {
		t.Fatalf("Refresh() error = %v, want permission-denied", err)
	}
	want = Snapshot{State: StateDenied, Fault: FaultPermissionDenied}
	if diff := cmp.Diff(want, l.Snapshot(), ignoreTime); diff != "" {
		t.Errorf("snapshot after revoke mismatch (-want +got):\n%s", diff)
	}
}

func TestLocationCurrentFallsBack(t *testing.T) {
	loc := &mockLocator{results: []locateResult{
		{coord: home},
		{err: &Error{Fault: FaultTimeout}},
	}}
	l := NewLocation(loc, discardLogger())
	ctx := context.Background()

	for i := range 2 {
		got, err := l.Current(ctx)
		if err != nil {
			t.Fatalf("current %d: %v", i, err)
		}
		if diff := cmp.Diff(home, got); diff != "" {
			t.Errorf("current %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestLocationUnsupported(t *testing.T) {
	l := NewLocation(nil, discardLogger())

	_, err := l.Request(context.Background())
	if diff := cmp.Diff(FaultUnsupported, Classify(err)); diff != "" {
		t.Errorf("fault mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(StateUnsupported, l.Snapshot().State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestManualLocator(t *testing.T) {
	m := &ManualLocator{}
	l := NewLocation(m, discardLogger())
	ctx := context.Background()

	if _, err := l.Request(ctx); Classify(err) != FaultPositionUnavailable {
		t.Fatalf("Request() error = %v, want position-unavailable", err)
	}

	if err := m.Set(model.Coordinate{Latitude: 100}); !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Errorf("Set() error = %v, want ErrInvalidCoordinate", err)
	}
	if err := m.Set(home); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := l.Request(ctx)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if diff := cmp.Diff(home, got); diff != "" {
		t.Errorf("coordinate mismatch (-want +got):\n%s", diff)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
