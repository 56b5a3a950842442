package device

import (
	"bufio"
	"bytes"
)

// DefaultDelimiter terminates every message on the wire.
// A blank line lets a multi-line report travel as one message.
const DefaultDelimiter = "\n\n"

// DefaultMaxMessageSize bounds a single message, delimiter excluded.
const DefaultMaxMessageSize = 4096

// splitDelimited returns a bufio.SplitFunc that yields delimiter-terminated messages.
// Bytes after the last delimiter stay buffered until more data arrives.
// At EOF, a trailing unterminated message is still returned.
func splitDelimited(delim []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, delim); i >= 0 {
			return i + len(delim), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// Frame appends the delimiter to msg.
func Frame(msg, delim string) []byte {
	buf := make([]byte, 0, len(msg)+len(delim))
	buf = append(buf, msg...)
	return append(buf, delim...)
}
