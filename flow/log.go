package flow

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// FlowOutputSplitter routes logrus-formatted lines to stderr when they carry
// an error level and to stdout otherwise, adapted from the teacher pack's
// common.OutputSplitter (evalgo-org-eve/common/logging.go) so the engine's
// ambient structured logging gets the same stdout/stderr stream separation a
// containerized deployment expects.
type FlowOutputSplitter struct{}

func (FlowOutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// NewDefaultLogger returns the logrus.Logger the Engine uses when no
// WithLogger option overrides it: text formatter, info level, output routed
// through FlowOutputSplitter.
func NewDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(FlowOutputSplitter{})
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// flowLogFields builds the base field set every engine lifecycle log line
// carries: the FlowId and, for the happy path, its class name.
func flowLogFields(id FlowId, className string) logrus.Fields {
	f := logrus.Fields{"flow_id": id.String()}
	if className != "" {
		f["flow_class"] = className
	}
	return f
}
