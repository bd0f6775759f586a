package transport

import "strings"

// Topic suffixes for robot communication.

// TopicCommandList is the command stream topic.
// Publishes: protocol.Message of type "command"
const TopicCommandList = "command_list"

// TopicCommandResult is the result stream topic.
// Subscribes: protocol.Message of type "result"
const TopicCommandResult = "command_result"

// Topics is a helper to build fully-qualified topic names.
type Topics struct {
	prefix string
}

// NewTopics creates a Topics helper with the given prefix.
// An empty prefix yields the bare topic names used by the default robot.
func NewTopics(prefix string) *Topics {
	return &Topics{prefix: strings.Trim(prefix, "/")}
}

// CommandList returns the full command topic path.
func (t *Topics) CommandList() string {
	return t.join(TopicCommandList)
}

// CommandResult returns the full result topic path.
func (t *Topics) CommandResult() string {
	return t.join(TopicCommandResult)
}

func (t *Topics) join(name string) string {
	if t.prefix == "" {
		return name
	}
	return t.prefix + "/" + name
}
