package wire

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// scriptedStream replays one chunk per Read and records writes.
type scriptedStream struct {
	chunks   [][]byte
	written  bytes.Buffer
	maxWrite int
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	if n < len(s.chunks[0]) {
		s.chunks[0] = s.chunks[0][n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	if s.maxWrite > 0 && len(p) > s.maxWrite {
		p = p[:s.maxWrite]
	}
	return s.written.Write(p)
}

func (s *scriptedStream) SetReadDeadline(time.Time) error  { return nil }
func (s *scriptedStream) SetWriteDeadline(time.Time) error { return nil }

func header(n uint32) []byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b[:]
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.dat")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write input file: %v", err)
	}
	return path
}

func TestSendFile_ReceiveFrame_RoundTrip(t *testing.T) {
	sizes := []struct {
		name string
		size int
	}{
		{"one byte", 1},
		{"exactly chunk", DefaultChunkSize},
		{"chunk plus one", DefaultChunkSize + 1},
		{"multi chunk", 5*DefaultChunkSize + 7},
		{"large", 2 * 1024 * 1024},
	}

	for _, tc := range sizes {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.size)
			if _, err := rand.Read(data); err != nil {
				t.Fatalf("Failed to generate random data: %v", err)
			}
			path := writeTempFile(t, data)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			senderSide, receiverSide := net.Pipe()
			defer senderSide.Close()
			defer receiverSide.Close()

			sender := NewCodec(senderSide, DefaultOptions())
			receiver := NewCodec(receiverSide, DefaultOptions())

			senderDone := make(chan error, 1)
			var sentBytes int
			go func() {
				_, err := sender.SendFile(ctx, path, func(n int) { sentBytes += n })
				senderDone <- err
			}()

			var got bytes.Buffer
			length, err := receiver.ReceiveFrame(ctx, &got, AckGotSize, AckGotFile, nil)
			if err != nil {
				t.Fatalf("ReceiveFrame error: %v", err)
			}
			if err := <-senderDone; err != nil {
				t.Fatalf("SendFile error: %v", err)
			}

			if int(length) != tc.size {
				t.Errorf("length = %d, want %d", length, tc.size)
			}
			if sentBytes != tc.size {
				t.Errorf("progress reported %d bytes, want %d", sentBytes, tc.size)
			}
			if !bytes.Equal(got.Bytes(), data) {
				t.Error("received bytes differ from source")
			}
		})
	}
}

func TestSendFile_MissingFileTouchesNothing(t *testing.T) {
	stream := &scriptedStream{}
	codec := NewCodec(stream, DefaultOptions())

	_, err := codec.SendFile(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), nil)
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	var terr *TransferError
	if !errors.As(err, &terr) || terr.Path == "" || !terr.Sending {
		t.Errorf("expected TransferError naming the file, got %#v", err)
	}
	if stream.written.Len() != 0 {
		t.Errorf("expected no bytes written, got %d", stream.written.Len())
	}
}

func TestSendFile_EmptyFileRejected(t *testing.T) {
	stream := &scriptedStream{}
	codec := NewCodec(stream, DefaultOptions())

	_, err := codec.SendFile(context.Background(), writeTempFile(t, nil), nil)
	if !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
	if stream.written.Len() != 0 {
		t.Errorf("expected no bytes written, got %d", stream.written.Len())
	}
}

func TestSendFile_TooLargeRejected(t *testing.T) {
	stream := &scriptedStream{}
	opts := DefaultOptions()
	opts.MaxFrameSize = 8
	codec := NewCodec(stream, opts)

	_, err := codec.SendFile(context.Background(), writeTempFile(t, make([]byte, 9)), nil)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if stream.written.Len() != 0 {
		t.Errorf("expected no bytes written, got %d", stream.written.Len())
	}
}

func TestSendFile_ShortWritesAreCompleted(t *testing.T) {
	data := make([]byte, 3*DefaultChunkSize+11)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("Failed to generate random data: %v", err)
	}
	stream := &scriptedStream{
		chunks:   [][]byte{[]byte(AckGotSize), []byte(AckGotFile)},
		maxWrite: 7,
	}
	codec := NewCodec(stream, DefaultOptions())

	n, err := codec.SendFile(context.Background(), writeTempFile(t, data), nil)
	if err != nil {
		t.Fatalf("SendFile error: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("sent %d bytes, want %d", n, len(data))
	}

	want := append(header(uint32(len(data))), data...)
	if !bytes.Equal(stream.written.Bytes(), want) {
		t.Errorf("wire bytes mismatch: got %d bytes, want %d", stream.written.Len(), len(want))
	}
}

func TestReceiveFrame_ShortFrameIsFatal(t *testing.T) {
	stream := &scriptedStream{
		chunks: [][]byte{header(100), make([]byte, 40)},
	}
	codec := NewCodec(stream, DefaultOptions())

	var got bytes.Buffer
	_, err := codec.ReceiveFrame(context.Background(), &got, ZeroAck, ZeroAck, nil)
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestReceiveFrame_Sentinel(t *testing.T) {
	stream := &scriptedStream{chunks: [][]byte{header(0)}}
	codec := NewCodec(stream, DefaultOptions())

	_, err := codec.ReceiveFrame(context.Background(), io.Discard, ZeroAck, ZeroAck, nil)
	if !errors.Is(err, ErrUnexpectedSentinel) {
		t.Fatalf("expected ErrUnexpectedSentinel, got %v", err)
	}
	if stream.written.Len() != 0 {
		t.Error("sentinel must not be acknowledged as a file")
	}
}

func TestReadHeader(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFrameSize = 1000

	tests := []struct {
		name    string
		chunks  [][]byte
		want    uint32
		wantErr error
	}{
		{"sentinel", [][]byte{header(0)}, 0, nil},
		{"split across reads", [][]byte{{0, 0}, {1, 0}}, 256, nil},
		{"too large", [][]byte{header(1001)}, 1001, ErrFrameTooLarge},
		{"closed before header", nil, 0, ErrConnClosed},
		{"closed inside header", [][]byte{{0, 1}}, 0, ErrShortFrame},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			codec := NewCodec(&scriptedStream{chunks: tc.chunks}, opts)
			got, err := codec.ReadHeader(context.Background())
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("length = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestReadAck_Timeout(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	codec := NewCodec(local, opts)

	_, err := codec.ReadAck(context.Background())
	if !errors.Is(err, ErrPeerUnresponsive) {
		t.Fatalf("expected ErrPeerUnresponsive, got %v", err)
	}
}

func TestReadAck_ContextCancelUnblocks(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	opts := DefaultOptions()
	opts.Timeout = 0
	codec := NewCodec(local, opts)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := codec.ReadAck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadAck_PeerClosed(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	remote.Close()

	codec := NewCodec(local, DefaultOptions())
	_, err := codec.ReadAck(context.Background())
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestOptionsNormalize(t *testing.T) {
	got := Options{Timeout: -time.Second}.Normalize()
	if got.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", got.ChunkSize, DefaultChunkSize)
	}
	if got.AckBufferSize != DefaultAckBufferSize {
		t.Errorf("AckBufferSize = %d, want %d", got.AckBufferSize, DefaultAckBufferSize)
	}
	if got.MaxFrameSize != DefaultMaxFrameSize {
		t.Errorf("MaxFrameSize = %d, want %d", got.MaxFrameSize, DefaultMaxFrameSize)
	}
	if got.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0", got.Timeout)
	}
}
