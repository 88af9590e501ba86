// Package sse holds the small amount of Server-Sent-Events wire handling the
// relay needs. The relayed stream itself is never re-framed.
package sse

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorFrame returns a single "error" event whose data is {"error": msg}.
// The message is JSON-escaped and the space after the colon is part of the
// format browser clients match on.
func ErrorFrame(msg string) []byte {
	quoted, _ := json.Marshal(msg) // strings always marshal

	frame := make([]byte, 0, len(quoted)+32)
	frame = append(frame, "event: error\ndata: {\"error\": "...)
	frame = append(frame, quoted...)
	frame = append(frame, "}\n\n"...)
	return frame
}

// StreamHeaders sets the response headers every event-stream response carries.
func StreamHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}
