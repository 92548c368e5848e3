package testutils

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/marid-mta/marid/framework/buffer"
)

// BodyFromStr parses a raw message literal into its header and a memory
// buffer holding the body.
func BodyFromStr(t *testing.T, literal string) (textproto.Header, buffer.MemoryBuffer) {
	t.Helper()

	r := bufio.NewReader(strings.NewReader(literal))
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}

	return hdr, buffer.MemoryBuffer{Slice: body}
}

// FailingBuffer is a buffer.Buffer that injects errors: OpenError is
// returned from Open itself, IOError is returned in place of io.EOF when
// the body has been read to the end.
type FailingBuffer struct {
	Blob []byte

	OpenError error
	IOError   error
}

func (fb FailingBuffer) Open() (io.ReadCloser, error) {
	r := io.NopCloser(bytes.NewReader(fb.Blob))

	if fb.IOError != nil {
		return io.NopCloser(&eofErrorReader{r, fb.IOError}), fb.OpenError
	}
	return r, fb.OpenError
}

func (fb FailingBuffer) Len() int {
	return len(fb.Blob)
}

func (fb FailingBuffer) Remove() error {
	return nil
}

type eofErrorReader struct {
	r   io.Reader
	err error
}

func (r *eofErrorReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}
