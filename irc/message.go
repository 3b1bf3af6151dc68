package irc

import (
	"regexp"
	"strings"
	"sync"
)

// MessageType enumerates the protocol lines the client reacts to. Anything
// outside this set parses as Unrecognized and is ignored by the dispatcher.
type MessageType int

const (
	Unrecognized MessageType = iota
	Ping
	Welcome
	JoinConfirmed
	NamesEnd
	PrivMsg
	AuthFailure
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "ping"
	case Welcome:
		return "welcome"
	case JoinConfirmed:
		return "join"
	case NamesEnd:
		return "names_end"
	case PrivMsg:
		return "privmsg"
	case AuthFailure:
		return "auth_failure"
	default:
		return "unrecognized"
	}
}

// Message is the decoded form of one protocol line. Only the fields relevant
// to Type are populated; Raw always carries the original line.
type Message struct {
	Type      MessageType
	Token     string // PING trailing token, echoed back in PONG
	Nick      string
	Channel   string
	Text      string
	IsCommand bool
	Raw       string
}

var privmsgPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^:([^!]+)![^@]+@\S+ PRIVMSG #(\S+) :(.*)$`)
})

// Parse maps one raw protocol line to a Message. It is a pure function: the
// caller's own nick and target channel are passed in so join echoes can be
// told apart from other users' joins. selfNick and channel must already be
// lower-cased; channel carries no '#' prefix.
//
// Checks run in priority order: PING, welcome (001), own JOIN echo, end of
// NAMES (366), PRIVMSG, authentication failures, then Unrecognized.
func Parse(line, selfNick, channel string) Message {
	line = strings.TrimRight(line, "\r\n")
	msg := Message{Type: Unrecognized, Raw: line}
	if line == "" {
		return msg
	}

	if strings.HasPrefix(line, "PING") {
		msg.Type = Ping
		msg.Token = strings.TrimSpace(strings.TrimPrefix(line, "PING"))
		return msg
	}

	if strings.Contains(line, "001") || strings.Contains(line, "Welcome") {
		msg.Type = Welcome
		return msg
	}

	hashChannel := "#" + channel
	if strings.Contains(line, "JOIN "+hashChannel) &&
		(strings.Contains(line, ":"+selfNick+"!") || strings.Contains(line, selfNick)) {
		msg.Type = JoinConfirmed
		msg.Channel = channel
		return msg
	}

	if strings.Contains(line, "366") && strings.Contains(line, hashChannel) {
		msg.Type = NamesEnd
		msg.Channel = channel
		return msg
	}

	if m := privmsgPattern().FindStringSubmatch(line); m != nil {
		text := strings.TrimSpace(m[3])
		msg.Type = PrivMsg
		msg.Nick = m[1]
		msg.Channel = m[2]
		msg.Text = text
		msg.IsCommand = strings.HasPrefix(text, "!")
		return msg
	}

	if strings.Contains(line, "Login authentication failed") || strings.Contains(line, "Invalid NICK") {
		msg.Type = AuthFailure
		return msg
	}
	if strings.Contains(line, "NOTICE") &&
		(strings.Contains(line, "authentication failed") || strings.Contains(line, "Improperly formatted auth")) {
		msg.Type = AuthFailure
		return msg
	}

	return msg
}
