package bus

import "time"

// ChatMessage is published on TopicChatMessage for every decoded PRIVMSG.
// It is consumed once by subscribers and never retained.
type ChatMessage struct {
	Username    string
	DisplayName string
	Text        string
	Channel     string
	IsCommand   bool
	ReceivedAt  time.Time
}

// Connected is published on TopicIRCConnected when the channel join is confirmed.
type Connected struct {
	Channel string
}

// ConnError is published on TopicIRCError for fatal connection or auth faults.
type ConnError struct {
	Err string
}

// ExpAdded is published on TopicExpAdded after every committed award.
type ExpAdded struct {
	Username    string
	Amount      int64
	Source      string
	OldTotalExp int64
	NewTotalExp int64
	Level       int
}

// LevelUp is published on TopicLevelUp when a committed award raised the level.
type LevelUp struct {
	Username string
	OldLevel int
	NewLevel int
	TotalExp int64
}
