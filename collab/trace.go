package collab

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// a canceled context is a normal way to end a callback
func isDoneError(r any) bool {
	if err, ok := r.(error); ok {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

// HandleError runs `do` and recovers a panic so one bad callback does not stop a run loop.
// The handlers run only when `do` panicked, and may be `func()` or `func(error)`.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		if !isDoneError(r) {
			glog.Warningf("[collab]recovered %T = %v\n%s", r, r, compactStack(debug.Stack()))
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			}
		}
	}()
	do()
	return
}

func compactStack(stack []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	for i, line := range lines {
		lines[i] = "    " + strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}

// TraceWithReturnError times `do` at V(2).
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	start := time.Now()
	glog.V(2).Infof("%s start\n", tag)
	result, returnErr = do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if returnErr != nil {
		glog.V(2).Infof("%s end (%.2fms) err = %s\n", tag, millis, returnErr)
	} else {
		glog.V(2).Infof("%s end (%.2fms)\n", tag, millis)
	}
	return
}
