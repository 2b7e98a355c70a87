package eventsource

import (
	"bufio"
	"strings"
)

const defaultEventType = "message"

// parseStream reads server-sent events from r until it fails, dispatching
// each complete event and comment to h. touch is called for every line read.
func parseStream(r *bufio.Reader, h Handler, touch func()) error {
	var (
		eventType string
		data      strings.Builder
		hasData   bool
		lastID    string
	)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		touch()
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData || eventType != "" {
				if eventType == "" {
					eventType = defaultEventType
				}
				h.OnMessage(eventType, MessageEvent{Data: data.String(), LastEventID: lastID})
			}
			eventType = ""
			data.Reset()
			hasData = false
			continue
		}

		if strings.HasPrefix(line, ":") {
			h.OnComment(strings.TrimPrefix(strings.TrimPrefix(line, ":"), " "))
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				lastID = value
			}
		}
	}
}
