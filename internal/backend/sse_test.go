package backend

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSSEReaderFrames(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event: task_state\r\ndata: {\"state\":\"completed\"}\r\n\r\n" +
		"event: decompose_progress\ndata: {\"task_count\":\ndata: 4}\n\n" +
		"event: timeout\ndata: {}"
	r := newSSEReader(strings.NewReader(stream))

	want := []sseFrame{
		{Event: "task_state", Data: `{"state":"completed"}`},
		{Event: "decompose_progress", Data: "{\"task_count\":\n4}"},
		{Event: "timeout", Data: "{}"},
	}
	for i, w := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if got != w {
			t.Fatalf("Next() #%d = %+v, want %+v", i, got, w)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() at end error = %v, want EOF", err)
	}
}

func TestSplitField(t *testing.T) {
	cases := map[string][2]string{
		"event: task_state": {"event", "task_state"},
		"data:{}":           {"data", "{}"},
		"retry":             {"retry", ""},
	}
	for line, want := range cases {
		f, v := splitField(line)
		if f != want[0] || v != want[1] {
			t.Fatalf("splitField(%q) = %q, %q, want %q, %q", line, f, v, want[0], want[1])
		}
	}
}
