package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/mixrelay/internal/logging"
	"github.com/sheerbytes/mixrelay/internal/transport"
	"github.com/sheerbytes/mixrelay/internal/wire"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("Failed to generate random data: %v", err)
	}
	return b
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func testOptions(dir string) Options {
	opts := DefaultOptions()
	opts.PollInterval = 10 * time.Millisecond
	opts.Wire.Timeout = 5 * time.Second
	opts.ResultPath = filepath.Join(dir, "done.wav")
	return opts
}

// peer runs fn as the server side of a pipe and reports its error.
func peer(t *testing.T, fn func(ctx context.Context, c *wire.Codec) error) (transport.Stream, <-chan error) {
	t.Helper()
	clientSide, serverSide := transport.NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		defer serverSide.Close()
		done <- fn(ctx, wire.NewCodec(serverSide, wire.DefaultOptions()))
	}()
	t.Cleanup(func() { _ = clientSide.Close() })
	return clientSide, done
}

// receiveJob plays the server's receiving phase and returns the files in
// arrival order.
func receiveJob(ctx context.Context, c *wire.Codec) ([][]byte, error) {
	var files [][]byte
	for {
		length, err := c.ReadHeader(ctx)
		if err != nil {
			return files, err
		}
		if length == 0 {
			return files, c.WriteAck(ctx, wire.AckJobClosed)
		}
		if err := c.WriteAck(ctx, wire.AckGotSize); err != nil {
			return files, err
		}
		var buf bytes.Buffer
		if err := c.ReadPayload(ctx, &buf, length, nil); err != nil {
			return files, err
		}
		files = append(files, buf.Bytes())
		if err := c.WriteAck(ctx, wire.AckGotFile); err != nil {
			return files, err
		}
	}
}

// answerPolls answers each CHECK_DONE with the next scripted answer.
func answerPolls(ctx context.Context, c *wire.Codec, answers ...string) error {
	for _, a := range answers {
		req, err := c.ReadExact(ctx, len(wire.CheckDoneRequest))
		if err != nil {
			return err
		}
		if string(req) != wire.CheckDoneRequest {
			return fmt.Errorf("unexpected request %q", req)
		}
		if err := c.WriteText(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// sendResult waits for the trigger and sends path.
func sendResult(ctx context.Context, c *wire.Codec, path string) error {
	trigger, err := c.ReadExact(ctx, wire.HeaderSize)
	if err != nil {
		return err
	}
	if string(trigger) != wire.ZeroAck {
		return fmt.Errorf("unexpected trigger %x", trigger)
	}
	_, err = c.SendFile(ctx, path, nil)
	return err
}

// expectEOF checks the client sends nothing more and closes.
func expectEOF(ctx context.Context, c *wire.Codec) error {
	if extra, err := c.ReadText(ctx); err == nil {
		return fmt.Errorf("unexpected bytes after result: %q", extra)
	} else if !errors.Is(err, wire.ErrConnClosed) {
		return err
	}
	return nil
}

type recordingObserver struct {
	NopObserver
	mu     sync.Mutex
	states []State
	files  []string
	bytes  int
	polls  []wire.Status
}

func (o *recordingObserver) StateChanged(_, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, to)
}

func (o *recordingObserver) FileStarted(pair int, role FileRole, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files = append(o.files, fmt.Sprintf("%d:%s", pair, role))
}

func (o *recordingObserver) FileProgress(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes += n
}

func (o *recordingObserver) Polled(_ int, _ string, st wire.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.polls = append(o.polls, st)
}

func TestSession_SinglePairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	audio := randomBytes(t, 3*wire.DefaultChunkSize+17)
	transcript := []byte("fade in, then repeat the chorus")
	result := randomBytes(t, 5*wire.DefaultChunkSize+1)
	resultSrc := writeFile(t, t.TempDir(), "mixed.wav", result)

	stream, serverDone := peer(t, func(ctx context.Context, c *wire.Codec) error {
		files, err := receiveJob(ctx, c)
		if err != nil {
			return err
		}
		if len(files) != 2 || !bytes.Equal(files[0], audio) || !bytes.Equal(files[1], transcript) {
			return fmt.Errorf("server received %d files with wrong content", len(files))
		}
		if err := answerPolls(ctx, c, wire.ReadyPhrase); err != nil {
			return err
		}
		if err := sendResult(ctx, c, resultSrc); err != nil {
			return err
		}
		return expectEOF(ctx, c)
	})

	obs := &recordingObserver{}
	sess := NewSession(stream, testOptions(dir), obs, logging.Discard())
	path, err := sess.Run(context.Background(), []Pair{{
		Audio:      writeFile(t, dir, "a.wav", audio),
		Transcript: writeFile(t, dir, "a.txt", transcript),
	}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	_ = sess.Close()
	if err := <-serverDone; err != nil {
		t.Fatalf("server error: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(got, result) {
		t.Error("saved result differs from the server's file")
	}
	if sess.State() != StateDone {
		t.Errorf("state = %s, want DONE", sess.State())
	}

	wantStates := []State{StateSendingPairs, StateJobClosed, StatePolling, StateResultReady, StateDone}
	if fmt.Sprint(obs.states) != fmt.Sprint(wantStates) {
		t.Errorf("states = %v, want %v", obs.states, wantStates)
	}
	if want := len(audio) + len(transcript) + len(result); obs.bytes != want {
		t.Errorf("observer saw %d bytes, want %d", obs.bytes, want)
	}
}

func TestSession_PairsSentInOrder(t *testing.T) {
	dir := t.TempDir()
	const n = 4
	var pairs []Pair
	var want [][]byte
	for i := 1; i <= n; i++ {
		a := []byte(fmt.Sprintf("audio-%d", i))
		tr := []byte(fmt.Sprintf("transcript-%d", i))
		pairs = append(pairs, Pair{
			Audio:      writeFile(t, dir, fmt.Sprintf("%d.wav", i), a),
			Transcript: writeFile(t, dir, fmt.Sprintf("%d.txt", i), tr),
		})
		want = append(want, a, tr)
	}

	var headers int
	stream, serverDone := peer(t, func(ctx context.Context, c *wire.Codec) error {
		files, err := receiveJob(ctx, c)
		headers = len(files) + 1
		if err != nil {
			return err
		}
		for i := range want {
			if !bytes.Equal(files[i], want[i]) {
				return fmt.Errorf("file %d = %q, want %q", i, files[i], want[i])
			}
		}
		return nil
	})

	obs := &recordingObserver{}
	sess := NewSession(stream, testOptions(dir), obs, logging.Discard())
	if err := sess.SendPairs(context.Background(), pairs); err != nil {
		t.Fatalf("SendPairs error: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server error: %v", err)
	}
	if headers != 2*n+1 {
		t.Errorf("server read %d headers, want %d", headers, 2*n+1)
	}
	if sess.State() != StatePolling {
		t.Errorf("state = %s, want POLLING", sess.State())
	}
	wantFiles := "[1:audio 1:transcript 2:audio 2:transcript 3:audio 3:transcript 4:audio 4:transcript]"
	if fmt.Sprint(obs.files) != wantFiles {
		t.Errorf("file order = %v", obs.files)
	}
}

// scriptStream returns one scripted reply per Read and records writes.
type scriptStream struct {
	replies []string
	written bytes.Buffer
	closed  bool
}

func (s *scriptStream) Read(p []byte) (int, error) {
	if len(s.replies) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.replies[0])
	s.replies = s.replies[1:]
	return n, nil
}

func (s *scriptStream) Write(p []byte) (int, error)     { return s.written.Write(p) }
func (s *scriptStream) SetReadDeadline(time.Time) error  { return nil }
func (s *scriptStream) SetWriteDeadline(time.Time) error { return nil }
func (s *scriptStream) Close() error {
	s.closed = true
	return nil
}

func TestSession_MissingAudioStopsBeforeTranscript(t *testing.T) {
	dir := t.TempDir()
	transcript := writeFile(t, dir, "a.txt", []byte("words"))
	stream := &scriptStream{}

	sess := NewSession(stream, testOptions(dir), nil, logging.Discard())
	err := sess.SendPairs(context.Background(), []Pair{{
		Audio:      filepath.Join(dir, "missing.wav"),
		Transcript: transcript,
	}})
	if !errors.Is(err, wire.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if stream.written.Len() != 0 {
		t.Errorf("expected nothing on the wire, got %d bytes", stream.written.Len())
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", sess.State())
	}

	if _, err := sess.PollOnce(context.Background()); !errors.Is(err, ErrSessionFailed) {
		t.Errorf("expected ErrSessionFailed after failure, got %v", err)
	}
	if !errors.Is(sess.Err(), wire.ErrFileNotFound) {
		t.Errorf("Err() = %v", sess.Err())
	}
}

func TestSession_MissingSecondAudioKeepsFirstPairOnly(t *testing.T) {
	dir := t.TempDir()
	stream := &scriptStream{replies: []string{wire.AckGotSize, wire.AckGotFile, wire.AckGotSize, wire.AckGotFile}}

	sess := NewSession(stream, testOptions(dir), nil, logging.Discard())
	err := sess.SendPairs(context.Background(), []Pair{
		{Audio: writeFile(t, dir, "1.wav", []byte("AA")), Transcript: writeFile(t, dir, "1.txt", []byte("T"))},
		{Audio: filepath.Join(dir, "gone.wav"), Transcript: writeFile(t, dir, "2.txt", []byte("U"))},
	})
	if !errors.Is(err, wire.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}

	want := []byte{0, 0, 0, 2, 'A', 'A', 0, 0, 0, 1, 'T'}
	if !bytes.Equal(stream.written.Bytes(), want) {
		t.Errorf("wire bytes = %v, want %v", stream.written.Bytes(), want)
	}
}

func TestSession_ZeroPairsSendsOnlySentinel(t *testing.T) {
	stream := &scriptStream{replies: []string{wire.AckJobClosed}}
	sess := NewSession(stream, testOptions(t.TempDir()), nil, logging.Discard())

	if err := sess.SendPairs(context.Background(), nil); err != nil {
		t.Fatalf("SendPairs error: %v", err)
	}
	if !bytes.Equal(stream.written.Bytes(), []byte{0, 0, 0, 0}) {
		t.Errorf("wire bytes = %v, want sentinel only", stream.written.Bytes())
	}
	if sess.State() != StatePolling {
		t.Errorf("state = %s, want POLLING", sess.State())
	}
}

func TestSession_ThreePendingThenReady(t *testing.T) {
	dir := t.TempDir()
	resultSrc := writeFile(t, t.TempDir(), "mixed.wav", []byte("RIFF....WAVE"))

	stream, serverDone := peer(t, func(ctx context.Context, c *wire.Codec) error {
		if _, err := receiveJob(ctx, c); err != nil {
			return err
		}
		if err := answerPolls(ctx, c, wire.NotReadyPhrase, wire.NotReadyPhrase, wire.NotReadyPhrase, wire.ReadyPhrase); err != nil {
			return err
		}
		if err := sendResult(ctx, c, resultSrc); err != nil {
			return err
		}
		return expectEOF(ctx, c)
	})

	obs := &recordingObserver{}
	sess := NewSession(stream, testOptions(dir), obs, logging.Discard())
	_, err := sess.Run(context.Background(), []Pair{{
		Audio:      writeFile(t, dir, "a.wav", []byte("A")),
		Transcript: writeFile(t, dir, "a.txt", []byte("T")),
	}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	_ = sess.Close()
	if err := <-serverDone; err != nil {
		t.Fatalf("server error: %v", err)
	}

	if sess.Polls() != 4 {
		t.Errorf("polls = %d, want 4", sess.Polls())
	}
	want := []wire.Status{wire.StatusPending, wire.StatusPending, wire.StatusPending, wire.StatusDone}
	if fmt.Sprint(obs.polls) != fmt.Sprint(want) {
		t.Errorf("poll results = %v, want %v", obs.polls, want)
	}

	// A finished session refuses to poll or fetch again.
	if _, err := sess.PollOnce(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition polling a done session, got %v", err)
	}
	if _, err := sess.FetchResult(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition fetching twice, got %v", err)
	}
}

func TestSession_PollParsingIsStrict(t *testing.T) {
	answers := []string{"Job ready", "job ready.", "JOB READY.", "Job not ready.", "Job failed."}
	replies := append([]string{}, answers...)
	stream := &scriptStream{replies: replies}

	sess := NewSession(stream, testOptions(t.TempDir()), nil, logging.Discard())
	sess.state = StatePolling

	for _, a := range answers {
		st, err := sess.PollOnce(context.Background())
		if err != nil {
			t.Fatalf("PollOnce(%q) error: %v", a, err)
		}
		if st != wire.StatusPending {
			t.Errorf("answer %q parsed as %v, want PENDING", a, st)
		}
	}
	if sess.State() != StatePolling {
		t.Errorf("state = %s, want POLLING", sess.State())
	}
	if got := stream.written.String(); got != strings.Repeat(wire.CheckDoneRequest, len(answers)) {
		t.Errorf("requests on the wire = %q", got)
	}
}

func TestSession_FailedPhraseStopsPolling(t *testing.T) {
	stream := &scriptStream{replies: []string{wire.NotReadyPhrase, wire.FailedPhrase}}
	opts := testOptions(t.TempDir())
	opts.FailedPhrase = wire.FailedPhrase

	sess := NewSession(stream, opts, nil, logging.Discard())
	sess.state = StatePolling

	err := sess.WaitDone(context.Background())
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	if sess.Polls() != 2 || sess.State() != StateFailed {
		t.Errorf("polls = %d, state = %s", sess.Polls(), sess.State())
	}
}

func TestSession_ClosedWhilePollingIsFatal(t *testing.T) {
	stream := &scriptStream{replies: []string{wire.NotReadyPhrase}}
	sess := NewSession(stream, testOptions(t.TempDir()), nil, logging.Discard())
	sess.state = StatePolling

	err := sess.WaitDone(context.Background())
	if !errors.Is(err, wire.ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", sess.State())
	}
}

func TestSession_ContextCancelDuringPollSleep(t *testing.T) {
	stream := &scriptStream{replies: []string{wire.NotReadyPhrase}}
	opts := testOptions(t.TempDir())
	opts.PollInterval = time.Hour

	sess := NewSession(stream, opts, nil, logging.Discard())
	sess.state = StatePolling

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := sess.WaitDone(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the poll sleep")
	}
}

func TestSession_ResultDropMidPayload(t *testing.T) {
	dir := t.TempDir()
	stream, serverDone := peer(t, func(ctx context.Context, c *wire.Codec) error {
		trigger, err := c.ReadExact(ctx, wire.HeaderSize)
		if err != nil {
			return err
		}
		if string(trigger) != wire.ZeroAck {
			return fmt.Errorf("unexpected trigger %x", trigger)
		}
		if err := c.WriteHeader(ctx, 5000); err != nil {
			return err
		}
		if _, err := c.ReadAck(ctx); err != nil {
			return err
		}
		return c.WriteText(ctx, strings.Repeat("x", 1000))
	})

	sess := NewSession(stream, testOptions(dir), nil, logging.Discard())
	sess.state = StateResultReady

	_, err := sess.FetchResult(context.Background())
	if !errors.Is(err, wire.ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
	if serr := <-serverDone; serr != nil {
		t.Fatalf("server error: %v", serr)
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", sess.State())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no result or partial file, found %v", entries)
	}
}

func TestSession_OutOfOrderCallsDoNotFail(t *testing.T) {
	sess := NewSession(&scriptStream{}, testOptions(t.TempDir()), nil, logging.Discard())

	if _, err := sess.FetchResult(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := sess.PollOnce(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if sess.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", sess.State())
	}
}
