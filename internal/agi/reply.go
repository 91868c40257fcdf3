package agi

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedReply is returned when a reply line has no numeric status.
var ErrMalformedReply = errors.New("malformed agi reply")

// hangupLine is sent by Asterisk, unprompted, when the caller hangs up.
const hangupLine = "HANGUP"

// reply is one parsed AGI response.
type reply struct {
	code   int
	result string
	data   string
}

// parseReply parses a single-line AGI response such as
//
//	200 result=1 (SUCCESS)
//	200 result=-1 endpos=11520
//	510 Invalid or unknown command
//
// For 200 replies result holds the value of result= and data holds the
// parenthesised text, or the remaining text when there are no parentheses.
// For other codes result holds the message text.
func parseReply(line string) (reply, error) {
	line = strings.TrimRight(line, "\r\n")

	codeStr, rest, _ := strings.Cut(line, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	rest = strings.TrimSpace(rest)

	if code != StatusOK {
		return reply{code: code, result: rest}, nil
	}

	r := reply{code: code}
	if !strings.HasPrefix(rest, "result=") {
		r.data = rest
		return r, nil
	}
	rest = strings.TrimPrefix(rest, "result=")
	r.result, rest, _ = strings.Cut(rest, " ")
	rest = strings.TrimSpace(rest)

	if strings.HasPrefix(rest, "(") {
		if end := strings.LastIndex(rest, ")"); end > 0 {
			r.data = rest[1:end]
			return r, nil
		}
	}
	r.data = rest
	return r, nil
}

// readReply reads one response from r, skipping and reporting unprompted
// HANGUP notifications through onHangup. Multi-line usage responses
// ("520-..." up to "520 End of proper usage.") are folded into one reply
// whose result holds the usage text.
func readReply(r *bufio.Reader, onHangup func()) (reply, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return reply{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			continue
		case line == hangupLine:
			if onHangup != nil {
				onHangup()
			}
			continue
		case len(line) > 3 && line[3] == '-':
			return readUsage(r, line)
		}

		return parseReply(line)
	}
}

// readUsage consumes the body of a multi-line response opened by first.
func readUsage(r *bufio.Reader, first string) (reply, error) {
	code, err := strconv.Atoi(first[:3])
	if err != nil {
		return reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, first)
	}
	terminator := first[:3] + " "

	var body []string
	body = append(body, strings.TrimSpace(first[4:]))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return reply{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, terminator) {
			return reply{code: code, result: strings.Join(body, "\n")}, nil
		}
		body = append(body, line)
	}
}
