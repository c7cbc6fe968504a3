package sandbox

import "bytes"

// capBuffer captures command output up to a byte cap. Writes past the
// cap are swallowed (the command keeps running) and the buffer is
// marked truncated.
type capBuffer struct {
	max       int64
	buf       bytes.Buffer
	truncated bool
}

func newCapBuffer(max int64) *capBuffer {
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	room := b.max - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *capBuffer) String() string {
	return b.buf.String()
}
