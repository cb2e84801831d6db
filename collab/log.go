package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - heartbeat, ack and connect timeouts
//     - reconnect and retry exhaustion
//     - store errors that are returned to the caller
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key system events with ids that can be used to filter
//     e.g. election, join, leave, status changes, batch send/confirm
// V(2):
//     frequent per-message events, e.g. frame send/receive, heartbeat, dedup drop

type LogFunction func(string, ...any)

// LogFn prefixes every line with the component tag, e.g. `[oq]`.
// A level of 0 logs at info.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if level == 0 {
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, fmt.Sprintf(format, a...)))
		} else if glog.V(level) {
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, fmt.Sprintf(format, a...)))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		log("%s: %s", tag, fmt.Sprintf(format, a...))
	}
}
