package monitor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.klb.dev/shotpipe/internal/clip"
	"go.klb.dev/shotpipe/internal/fingerprint"
	"go.klb.dev/shotpipe/internal/notify"
	"go.klb.dev/shotpipe/internal/raster"
)

// stubReader returns KindEmpty on every read unless told otherwise.
type stubReader struct {
	mu      sync.Mutex
	initErr error
	inits   int
}

func (r *stubReader) Name() string { return "stub" }

func (r *stubReader) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits++
	return r.initErr
}

func (r *stubReader) ReadSnapshot(context.Context) clip.Snapshot {
	return clip.Snapshot{Kind: clip.KindEmpty, CapturedAt: time.Now()}
}

func (r *stubReader) WriteImage(_ context.Context, b []byte) (*raster.Image, error) {
	return &raster.Image{PNG: b, Width: 64, Height: 64}, nil
}

// events records notifications as compact strings.
type events struct {
	mu  sync.Mutex
	log []string
	fps []fingerprint.Fingerprint
}

func (ev *events) handlers() notify.Handlers {
	return notify.Handlers{
		Image: func(e notify.ImageEvent) error {
			ev.mu.Lock()
			ev.log = append(ev.log, "image:"+string(e.Image.PNG))
			ev.fps = append(ev.fps, e.Fingerprint)
			ev.mu.Unlock()
			return nil
		},
		State: func(e notify.StateEvent) error {
			s := "state:false"
			switch {
			case e.At.IsZero():
				s = "sentinel"
			case e.Monitoring:
				s = "state:true"
			}
			ev.mu.Lock()
			ev.log = append(ev.log, s)
			ev.mu.Unlock()
			return nil
		},
	}
}

func (ev *events) snapshot() []string {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]string(nil), ev.log...)
}

// drain publishes a sentinel and waits until it is delivered; everything
// published before it has been delivered too.
func (ev *events) drain(t *testing.T, d *notify.Dispatcher) []string {
	t.Helper()
	d.PublishState(notify.StateEvent{})
	waitFor(t, "sentinel", func() bool {
		s := ev.snapshot()
		return len(s) > 0 && s[len(s)-1] == "sentinel"
	})
	ev.mu.Lock()
	defer ev.mu.Unlock()
	out := append([]string(nil), ev.log[:len(ev.log)-1]...)
	ev.log = ev.log[:0]
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestEngine(t *testing.T, r SnapshotReader, interval time.Duration) (*Engine, *notify.Dispatcher, *events) {
	t.Helper()
	d := notify.New(notify.Options{Buffer: 4096})
	e := New(r, d, Options{Interval: interval})
	ev := &events{}
	d.Subscribe("test", ev.handlers())
	t.Cleanup(func() {
		e.Close()
		d.Close()
	})
	return e, d, ev
}

func imageSnap(payload string) clip.Snapshot {
	return clip.Snapshot{
		Kind:       clip.KindImage,
		Image:      &raster.Image{PNG: []byte(payload), Width: 64, Height: 64},
		CapturedAt: time.Now(),
	}
}

// current returns the ticket a read starting now would get.
func current(e *Engine) ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ticket{session: e.session, epoch: e.epoch}
}

func testPNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x) + seed, G: uint8(y) ^ seed, B: seed, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStart_Idempotent(t *testing.T) {
	r := &stubReader{}
	e, d, ev := newTestEngine(t, r, time.Hour)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	s1 := current(e)
	if err := e.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if current(e) != s1 {
		t.Fatal("second Start restarted the scheduler")
	}
	if r.inits != 1 {
		t.Fatalf("Init called %d times, want 1", r.inits)
	}
	if diff := cmp.Diff([]string{"state:true"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestStart_KeepsCountersWhenAlreadyMonitoring(t *testing.T) {
	e, _, _ := newTestEngine(t, &stubReader{}, time.Hour)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.observe(current(e), imageSnap("X"))
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if e.observe(current(e), imageSnap("X")) {
		t.Fatal("redundant Start reset the last fingerprint")
	}
	if got := e.Stats().ImageCount; got != 1 {
		t.Fatalf("ImageCount = %d, want 1", got)
	}
}

func TestStop_IdempotentWhenStopped(t *testing.T) {
	e, d, ev := newTestEngine(t, &stubReader{}, time.Hour)
	e.Stop()
	e.Stop()
	if e.Monitoring() {
		t.Fatal("engine monitoring after Stop")
	}
	if got := ev.drain(t, d); len(got) != 0 {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestStop_EmitsOnceOnEdge(t *testing.T) {
	e, d, ev := newTestEngine(t, &stubReader{}, time.Hour)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.Stop()
	e.Stop()
	if diff := cmp.Diff([]string{"state:true", "state:false"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestStart_InitFailureStaysStopped(t *testing.T) {
	r := &stubReader{initErr: clip.ErrUnavailable}
	e, d, ev := newTestEngine(t, r, time.Hour)

	err := e.Start()
	if !errors.Is(err, clip.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if e.Monitoring() {
		t.Fatal("engine monitoring after failed Start")
	}
	if got := ev.drain(t, d); len(got) != 0 {
		t.Fatalf("failed Start notified: %v", got)
	}

	r.mu.Lock()
	r.initErr = nil
	r.mu.Unlock()
	if err := e.Start(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !e.Monitoring() {
		t.Fatal("retry did not start monitoring")
	}
}

func TestObserve_Deduplicates(t *testing.T) {
	e, d, ev := newTestEngine(t, &stubReader{}, time.Hour)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	s := current(e)
	for i := 0; i < 10; i++ {
		e.observe(s, imageSnap("X"))
	}
	if got := e.Stats().ImageCount; got != 1 {
		t.Fatalf("ImageCount = %d, want 1", got)
	}
	if diff := cmp.Diff([]string{"state:true", "image:X"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestObserve_ChangeDetectionIsAgainstLastValueOnly(t *testing.T) {
	e, d, ev := newTestEngine(t, &stubReader{}, time.Hour)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	s := current(e)
	e.observe(s, imageSnap("A"))
	e.observe(s, imageSnap("B"))
	e.observe(s, imageSnap("A"))

	want := []string{"state:true", "image:A", "image:B", "image:A"}
	if diff := cmp.Diff(want, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
	if got := e.Stats().ImageCount; got != 3 {
		t.Fatalf("ImageCount = %d, want 3", got)
	}
}

func TestObserve_SkipsNonImages(t *testing.T) {
	e, d, ev := newTestEngine(t, &stubReader{}, time.Hour)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	s := current(e)
	for _, k := range []clip.Kind{clip.KindNonImage, clip.KindUnreadable, clip.KindEmpty} {
		if e.observe(s, clip.Snapshot{Kind: k, CapturedAt: time.Now()}) {
			t.Fatalf("%s snapshot announced an image", k)
		}
	}
	st := e.Stats()
	if st.ImageCount != 0 {
		t.Fatalf("ImageCount = %d, want 0", st.ImageCount)
	}
	if st.Unreadable != 1 || st.Ignored < 2 {
		t.Fatalf("Unreadable=%d Ignored=%d", st.Unreadable, st.Ignored)
	}
	if diff := cmp.Diff([]string{"state:true"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestObserve_DiscardsStaleSession(t *testing.T) {
	e, _, _ := newTestEngine(t, &stubReader{}, time.Hour)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	old := current(e)
	e.Stop()
	if e.observe(old, imageSnap("late")) {
		t.Fatal("observe accepted a snapshot while stopped")
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if e.observe(old, imageSnap("late")) {
		t.Fatal("observe accepted a snapshot from a previous session")
	}
	if !e.observe(current(e), imageSnap("fresh")) {
		t.Fatal("observe rejected the current session")
	}
}

func TestStateChangePrecedesFirstDetection(t *testing.T) {
	m := clip.NewMemory()
	m.SetImage(testPNG(t, 1))
	e, d, ev := newTestEngine(t, clip.NewAccessor(m, clip.Options{}), 5*time.Millisecond)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "detection", func() bool { return e.Stats().ImageCount == 1 })
	got := ev.drain(t, d)
	if len(got) != 2 || got[0] != "state:true" {
		t.Fatalf("notifications = %v, want state:true first", got)
	}
}

func TestStop_CancelsWithinOneInterval(t *testing.T) {
	m := clip.NewMemory()
	e, d, ev := newTestEngine(t, clip.NewAccessor(m, clip.Options{}), 10*time.Millisecond)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	m.SetImage(testPNG(t, 1))
	waitFor(t, "first image", func() bool { return e.Stats().ImageCount == 1 })

	e.Stop()
	m.SetImage(testPNG(t, 2))
	time.Sleep(100 * time.Millisecond)

	if got := e.Stats().ImageCount; got != 1 {
		t.Fatalf("ImageCount = %d after stop, want 1", got)
	}
	got := ev.drain(t, d)
	if len(got) != 3 || got[2] != "state:false" {
		t.Fatalf("notifications = %v", got)
	}
}

func TestStop_DoesNotWaitForSlowRead(t *testing.T) {
	m := clip.NewMemory()
	m.SetImage(testPNG(t, 1))
	m.SetDelay(150 * time.Millisecond)
	e, d, ev := newTestEngine(t, clip.NewAccessor(m, clip.Options{ReadTimeout: time.Second}), 10*time.Millisecond)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "read in flight", func() bool { return m.Reads() == 1 })

	start := time.Now()
	e.Stop()
	if took := time.Since(start); took > 50*time.Millisecond {
		t.Fatalf("Stop took %s", took)
	}

	time.Sleep(250 * time.Millisecond)
	if got := e.Stats().ImageCount; got != 0 {
		t.Fatalf("read that straddled Stop was announced (count %d)", got)
	}
	if diff := cmp.Diff([]string{"state:true", "state:false"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestConcurrentToggling(t *testing.T) {
	e, d, ev := newTestEngine(t, &stubReader{}, time.Millisecond)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				switch (i + g) % 3 {
				case 0:
					_ = e.Start()
				case 1:
					e.Stop()
				default:
					_, _ = e.Toggle()
					_ = e.Monitoring()
				}
			}
		}(g)
	}
	wg.Wait()

	final := e.Monitoring()
	got := ev.drain(t, d)
	if len(got) == 0 {
		t.Fatal("no state notifications")
	}
	for i, s := range got {
		want := "state:true"
		if i%2 == 1 {
			want = "state:false"
		}
		if s != want {
			t.Fatalf("notification %d = %s, want %s (edges must alternate)", i, s, want)
		}
	}
	if last := got[len(got)-1] == "state:true"; last != final {
		t.Fatalf("last notification %s disagrees with final state %v", got[len(got)-1], final)
	}
	if final != (e.Stats().Status == Monitoring) {
		t.Fatal("Stats and Monitoring disagree")
	}
}

func TestEndToEnd(t *testing.T) {
	m := clip.NewMemory()
	e, d, ev := newTestEngine(t, clip.NewAccessor(m, clip.Options{}), 5*time.Millisecond)

	x, y := testPNG(t, 1), testPNG(t, 2)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	m.SetImage(x)
	waitFor(t, "image X", func() bool { return e.Stats().ImageCount == 1 })
	latest, err := e.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Seq != 1 || latest.Image.Width != 64 {
		t.Fatalf("latest = seq %d, width %d", latest.Seq, latest.Image.Width)
	}
	fpX := latest.Fingerprint

	// X stays on the clipboard for several polls.
	polls := e.Stats().Polls
	waitFor(t, "more polls", func() bool { return e.Stats().Polls >= polls+5 })
	if got := e.Stats().ImageCount; got != 1 {
		t.Fatalf("ImageCount = %d while X unchanged, want 1", got)
	}

	m.SetImage(y)
	waitFor(t, "image Y", func() bool { return e.Stats().ImageCount == 2 })

	e.Stop()
	got := ev.drain(t, d)
	if len(got) != 4 || got[0] != "state:true" || got[3] != "state:false" {
		t.Fatalf("notifications = %v", got)
	}
	ev.mu.Lock()
	fps := append([]fingerprint.Fingerprint(nil), ev.fps...)
	ev.mu.Unlock()
	if len(fps) != 2 || fps[0] != fpX || fps[1] == fpX {
		t.Fatalf("fingerprints = %v", fps)
	}

	m.SetImage(testPNG(t, 3))
	time.Sleep(30 * time.Millisecond)
	if rest := ev.drain(t, d); len(rest) != 0 {
		t.Fatalf("notifications after stop: %v", rest)
	}
}

func TestCopy_DoesNotAnnounceOwnWrite(t *testing.T) {
	m := clip.NewMemory()
	e, d, ev := newTestEngine(t, clip.NewAccessor(m, clip.Options{}), 5*time.Millisecond)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	img, err := e.Copy(context.Background(), testPNG(t, 9))
	if err != nil {
		t.Fatal(err)
	}
	if e.Stats().LastFingerprint == fingerprint.Of(img.PNG) {
		t.Fatal("Copy recorded an unannounced image as the last fingerprint")
	}
	polls := e.Stats().Polls
	waitFor(t, "polls after copy", func() bool { return e.Stats().Polls >= polls+3 })
	if got := e.Stats().ImageCount; got != 0 {
		t.Fatalf("own write announced, ImageCount = %d", got)
	}
	if diff := cmp.Diff([]string{"state:true"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

// gatedReader serves a scripted clipboard. While armed, a read captures the
// current content and then blocks until released, so a test can hold a read
// open across a Copy.
type gatedReader struct {
	mu      sync.Mutex
	content string
	gate    chan struct{}
	held    chan struct{}

	writeGate chan struct{}
	writing   chan struct{}
}

func (r *gatedReader) Name() string { return "gated" }
func (r *gatedReader) Init() error  { return nil }

func (r *gatedReader) set(content string) {
	r.mu.Lock()
	r.content = content
	r.mu.Unlock()
}

// arm makes the next read block after capturing the clipboard.
func (r *gatedReader) arm() (held <-chan struct{}, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.held = make(chan struct{})
	gate := r.gate
	return r.held, func() { close(gate) }
}

func (r *gatedReader) ReadSnapshot(context.Context) clip.Snapshot {
	r.mu.Lock()
	snap := imageSnap(r.content)
	gate, held := r.gate, r.held
	r.gate, r.held = nil, nil
	r.mu.Unlock()
	if gate != nil {
		close(held)
		<-gate
	}
	return snap
}

func (r *gatedReader) WriteImage(_ context.Context, b []byte) (*raster.Image, error) {
	r.mu.Lock()
	gate, writing := r.writeGate, r.writing
	r.mu.Unlock()
	if gate != nil {
		close(writing)
		<-gate
	}
	r.set(string(b))
	return &raster.Image{PNG: b, Width: 64, Height: 64}, nil
}

func TestCopy_ReadOverlappingWriteIsDiscarded(t *testing.T) {
	r := &gatedReader{content: "A"}
	e, d, ev := newTestEngine(t, r, 2*time.Millisecond)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first image", func() bool { return e.Stats().ImageCount == 1 })

	// A read captures A and stays open while B is written.
	held, release := r.arm()
	<-held
	if _, err := e.Copy(context.Background(), []byte("B")); err != nil {
		t.Fatal(err)
	}
	release()

	polls := e.Stats().Polls
	waitFor(t, "polls after copy", func() bool { return e.Stats().Polls >= polls+5 })

	if diff := cmp.Diff([]string{"state:true", "image:A"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
	st := e.Stats()
	if st.ImageCount != 1 {
		t.Fatalf("ImageCount = %d, want 1", st.ImageCount)
	}
	if st.LastFingerprint != fingerprint.Of([]byte("A")) {
		t.Fatal("LastFingerprint is not the last announced image")
	}
}

func TestCopy_SuppressionEndsOnNewImage(t *testing.T) {
	r := &gatedReader{content: "A"}
	e, d, ev := newTestEngine(t, r, 2*time.Millisecond)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first image", func() bool { return e.Stats().ImageCount == 1 })
	if _, err := e.Copy(context.Background(), []byte("B")); err != nil {
		t.Fatal(err)
	}
	polls := e.Stats().Polls
	waitFor(t, "polls after copy", func() bool { return e.Stats().Polls >= polls+3 })

	r.set("C")
	waitFor(t, "C", func() bool { return e.Stats().ImageCount == 2 })
	r.set("B")
	waitFor(t, "B copied by someone else", func() bool { return e.Stats().ImageCount == 3 })

	want := []string{"state:true", "image:A", "image:C", "image:B"}
	if diff := cmp.Diff(want, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestCopy_SlowWriteDoesNotBlockStop(t *testing.T) {
	r := &gatedReader{
		content:   "A",
		writeGate: make(chan struct{}),
		writing:   make(chan struct{}),
	}
	e, _, _ := newTestEngine(t, r, 2*time.Millisecond)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	copied := make(chan error, 1)
	go func() {
		_, err := e.Copy(context.Background(), []byte("B"))
		copied <- err
	}()
	<-r.writing
	t.Cleanup(func() {
		close(r.writeGate)
		<-copied
	})

	done := make(chan struct{})
	go func() {
		e.Stop()
		_ = e.Stats()
		_ = e.Monitoring()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind an in-progress Copy")
	}
	if e.Monitoring() {
		t.Fatal("still monitoring after Stop")
	}
}

func TestLatest_NoImage(t *testing.T) {
	e, _, _ := newTestEngine(t, &stubReader{}, time.Hour)
	if _, err := e.Latest(); !errors.Is(err, ErrNoImage) {
		t.Fatalf("err = %v, want ErrNoImage", err)
	}
}

func TestClose(t *testing.T) {
	e, d, ev := newTestEngine(t, &stubReader{}, time.Millisecond)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.Close()
	if e.Monitoring() {
		t.Fatal("monitoring after Close")
	}
	if err := e.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close: err = %v", err)
	}
	if _, err := e.Copy(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Copy after Close: err = %v", err)
	}
	if diff := cmp.Diff([]string{"state:true", "state:false"}, ev.drain(t, d)); diff != "" {
		t.Fatalf("notifications (-want +got):\n%s", diff)
	}
}

func TestToggle(t *testing.T) {
	e, _, _ := newTestEngine(t, &stubReader{}, time.Hour)
	on, err := e.Toggle()
	if err != nil || !on {
		t.Fatalf("Toggle() = %v, %v; want true", on, err)
	}
	on, err = e.Toggle()
	if err != nil || on {
		t.Fatalf("Toggle() = %v, %v; want false", on, err)
	}
}
