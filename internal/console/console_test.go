package console

import (
	"bytes"
	"testing"
)

type recordingSink struct {
	channel string
	data    []byte
}

func (r *recordingSink) Write(channel string, data []byte) {
	r.channel = channel
	r.data = append(r.data, data...)
}

func TestMulti_FansOutToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := Multi{a, b}

	m.Write("pipe", []byte("hello"))

	for _, s := range []*recordingSink{a, b} {
		if s.channel != "pipe" || !bytes.Equal(s.data, []byte("hello")) {
			t.Fatalf("sink = %+v", s)
		}
	}
}

func TestMulti_EmptyIsNoOp(t *testing.T) {
	var m Multi
	m.Write("pipe", []byte("hello")) // must not panic
}
