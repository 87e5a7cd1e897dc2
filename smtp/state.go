package smtp

// Stage is a step of a single client send. A send walks the stages in declaration order;
// STARTTLS and AUTH are optional, RCPT repeats once per recipient and EHLO may be sent
// a second time after a rejected first attempt.
type Stage int

// Client send stages.
const (
	StageConnect Stage = iota
	StageGreeting
	StageEhlo
	StageStartTLS
	StageAuth
	StageMail
	StageRcpt
	StageData
	StagePayload
	StageDataEnd
	StageQuit
)

// String returns a string representation of the Stage.
func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "CONNECT"
	case StageGreeting:
		return "GREETING"
	case StageEhlo:
		return "EHLO"
	case StageStartTLS:
		return "STARTTLS"
	case StageAuth:
		return "AUTH"
	case StageMail:
		return "MAIL"
	case StageRcpt:
		return "RCPT"
	case StageData:
		return "DATA"
	case StagePayload:
		return "PAYLOAD"
	case StageDataEnd:
		return "DATAEND"
	case StageQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

var stageTransitions = map[Stage][]Stage{
	StageConnect:  {StageGreeting},
	StageGreeting: {StageEhlo, StageStartTLS, StageAuth, StageMail, StageRcpt, StageData},
	StageEhlo:     {StageEhlo, StageStartTLS, StageAuth, StageMail, StageRcpt, StageData},
	StageStartTLS: {StageAuth, StageMail, StageRcpt, StageData},
	StageAuth:     {StageMail, StageRcpt, StageData},
	StageMail:     {StageRcpt, StageData},
	StageRcpt:     {StageRcpt, StageData},
	StageData:     {StagePayload},
	StagePayload:  {StageDataEnd},
	StageDataEnd:  {StageQuit},
	StageQuit:     {},
}

// CanTransitionTo reports whether next may follow s within one send.
func (s Stage) CanTransitionTo(next Stage) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
