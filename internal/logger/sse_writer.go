package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

const defaultTimeFormat = time.Kitchen

// SSEPublisher is the subset of *sse.Server the writer needs.
type SSEPublisher interface {
	Publish(id string, event *sse.Event)
}

// LogMessage is the payload published on the "logs" stream.
type LogMessage struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (m LogMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// SSEWriter turns zerolog JSON lines into LogMessage events.
type SSEWriter struct {
	SSE        SSEPublisher
	TimeFormat string
}

func NewSSEWriter(sse SSEPublisher, options ...func(w *SSEWriter)) SSEWriter {
	w := SSEWriter{
		SSE:        sse,
		TimeFormat: defaultTimeFormat,
	}
	for _, opt := range options {
		opt(&w)
	}
	return w
}

func (w SSEWriter) Write(p []byte) (int, error) {
	if w.SSE == nil {
		return 0, nil
	}

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		return 0, err
	}

	// the console writer renders message, caller and fields; time and level are split out
	var buf bytes.Buffer
	cw := zerolog.ConsoleWriter{
		Out:          &buf,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName, zerolog.LevelFieldName},
	}
	if _, err := cw.Write(p); err != nil {
		return 0, err
	}

	msg := LogMessage{
		Time:    w.formatTime(evt[zerolog.TimestampFieldName]),
		Level:   formatLevel(evt[zerolog.LevelFieldName]),
		Message: strings.TrimSpace(buf.String()),
	}

	data, err := msg.Bytes()
	if err != nil {
		return 0, err
	}
	w.SSE.Publish("logs", &sse.Event{Data: data})

	return len(p), nil
}

func (w SSEWriter) formatTime(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	ts, err := time.Parse(zerolog.TimeFieldFormat, s)
	if err != nil {
		return s
	}
	return ts.Local().Format(w.TimeFormat)
}

func formatLevel(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return "???"
	}
	switch s {
	case zerolog.LevelTraceValue:
		return "TRC"
	case zerolog.LevelDebugValue:
		return "DBG"
	case zerolog.LevelInfoValue:
		return "INF"
	case zerolog.LevelWarnValue:
		return "WRN"
	case zerolog.LevelErrorValue:
		return "ERR"
	case zerolog.LevelFatalValue:
		return "FTL"
	case zerolog.LevelPanicValue:
		return "PNC"
	default:
		return s
	}
}
