package sse

// EventCounter counts dispatched events in a byte stream written to it,
// without buffering or altering the bytes. An event is dispatched by a blank
// line that follows at least one non-comment field line. CR, LF and CRLF line
// endings are recognized, including when split across writes.
//
// EventCounter is not safe for concurrent use.
type EventCounter struct {
	count        int64
	lineLen      int
	lineComment  bool
	blockHasData bool
	lastCR       bool
}

// Write implements io.Writer. It never fails.
func (c *EventCounter) Write(p []byte) (int, error) {
	for _, b := range p {
		if c.lastCR {
			c.lastCR = false
			if b == '\n' {
				continue
			}
		}

		switch b {
		case '\r':
			c.lastCR = true
			c.endLine()
		case '\n':
			c.endLine()
		default:
			if c.lineLen == 0 {
				c.lineComment = b == ':'
			}
			c.lineLen++
		}
	}
	return len(p), nil
}

func (c *EventCounter) endLine() {
	if c.lineLen == 0 {
		if c.blockHasData {
			c.count++
			c.blockHasData = false
		}
		return
	}
	if !c.lineComment {
		c.blockHasData = true
	}
	c.lineLen = 0
}

// Count returns the number of events seen so far.
func (c *EventCounter) Count() int64 {
	return c.count
}
