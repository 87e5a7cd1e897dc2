package smtptest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"smtpmailer/smtp"
)

// Step names a point of the dialogue where the server answers with a reply code.
type Step string

// Steps, in dialogue order.
const (
	StepGreeting     Step = "greeting"
	StepEhlo         Step = "ehlo"
	StepStartTLS     Step = "starttls"
	StepAuth         Step = "auth"
	StepAuthUsername Step = "auth_username"
	StepAuthPassword Step = "auth_password"
	StepMail         Step = "mail"
	StepRcpt         Step = "rcpt"
	StepData         Step = "data"
	StepDot          Step = "dot"
	StepQuit         Step = "quit"

	// StepOther covers replies that are not scriptable (RSET, NOOP, unknown commands).
	StepOther Step = "other"
)

var defaultCodes = map[Step]int{
	StepGreeting:     smtp.Code220,
	StepEhlo:         smtp.Code250,
	StepStartTLS:     smtp.Code220,
	StepAuth:         smtp.Code334,
	StepAuthUsername: smtp.Code334,
	StepAuthPassword: smtp.Code235,
	StepMail:         smtp.Code250,
	StepRcpt:         smtp.Code250,
	StepData:         smtp.Code354,
	StepDot:          smtp.Code250,
	StepQuit:         smtp.Code221,
}

// Script maps a step to the codes the server answers with, consumed in order within a
// session. The last code repeats once the sequence is exhausted.
type Script map[Step][]int

// DefaultScript returns the happy path: every command is accepted.
func DefaultScript() Script {
	s := make(Script, len(defaultCodes))
	for step, code := range defaultCodes {
		s[step] = []int{code}
	}
	return s
}

// ParseScript parses "step=code[|code...]" pairs separated by commas,
// for example "ehlo=550|250,rcpt=550".
func ParseScript(spec string) (Script, error) {
	script := make(Script)
	if strings.TrimSpace(spec) == "" {
		return script, nil
	}

	for _, pair := range strings.Split(spec, ",") {
		name, codes, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid script entry %q: expected step=code", pair)
		}
		step := Step(strings.ToLower(strings.TrimSpace(name)))
		if _, known := defaultCodes[step]; !known {
			return nil, fmt.Errorf("invalid script entry %q: unknown step %q", pair, step)
		}
		for _, c := range strings.Split(codes, "|") {
			code, err := strconv.Atoi(strings.TrimSpace(c))
			if err != nil || code < 100 || code > 599 {
				return nil, fmt.Errorf("invalid script entry %q: bad code %q", pair, c)
			}
			script[step] = append(script[step], code)
		}
	}
	return script, nil
}

// String renders the script in the ParseScript format with steps sorted.
func (s Script) String() string {
	steps := make([]string, 0, len(s))
	for step := range s {
		steps = append(steps, string(step))
	}
	sort.Strings(steps)

	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		codes := make([]string, len(s[Step(step)]))
		for i, c := range s[Step(step)] {
			codes[i] = strconv.Itoa(c)
		}
		parts = append(parts, step+"="+strings.Join(codes, "|"))
	}
	return strings.Join(parts, ",")
}

// cursor walks a script within one session.
type cursor struct {
	script Script
	pos    map[Step]int
}

func newCursor(s Script) *cursor {
	return &cursor{script: s, pos: make(map[Step]int)}
}

func (c *cursor) next(step Step) int {
	codes := c.script[step]
	if len(codes) == 0 {
		return defaultCodes[step]
	}
	i := c.pos[step]
	c.pos[step]++
	if i >= len(codes) {
		i = len(codes) - 1
	}
	return codes[i]
}
