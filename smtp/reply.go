package smtp

import (
	"errors"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// ParseReplyCode returns the reply code carried by a single reply line. A line carries a
// code only when its first space-delimited token is made purely of digits, so "250 OK"
// yields 250 while the continuation line "250-SIZE 1000" yields nothing.
func ParseReplyCode(line string) (int, bool) {
	token, _, _ := strings.Cut(line, " ")
	if token == "" {
		return 0, false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return 0, false
		}
	}
	code, err := strconv.Atoi(token)
	if err != nil {
		return 0, false
	}
	return code, true
}

// ReadReplyCode consumes lines until one carries a reply code and returns it. Lines without
// a code are skipped. Reaching the end of the stream first yields code 0 with no error; any
// other read failure is returned as is.
func ReadReplyCode(r *textproto.Reader) (int, error) {
	for {
		line, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if code, ok := ParseReplyCode(line); ok {
					return code, nil
				}
				return 0, nil
			}
			return 0, err
		}

		if code, ok := ParseReplyCode(line); ok {
			return code, nil
		}
	}
}
