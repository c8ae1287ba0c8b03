package backend

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

type sseFrame struct {
	Event string
	Data  string
}

// sseReader splits a text/event-stream body into frames.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// Next returns the next frame, or io.EOF once the stream ends.
func (p *sseReader) Next() (sseFrame, error) {
	var (
		event string
		data  []string
	)
	flush := func() (sseFrame, bool) {
		if event == "" && len(data) == 0 {
			return sseFrame{}, false
		}
		return sseFrame{Event: event, Data: strings.Join(data, "\n")}, true
	}

	for {
		line, err := p.r.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return sseFrame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if f, ok := flush(); ok {
				return f, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		default:
			field, value := splitField(line)
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}

		if eof {
			if f, ok := flush(); ok {
				return f, nil
			}
			return sseFrame{}, io.EOF
		}
	}
}

func splitField(line string) (string, string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimPrefix(line[i+1:], " ")
}
