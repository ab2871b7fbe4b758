package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// traced calls slower than this are logged at info
var SlowTraceThreshold = 2 * time.Second

// a panic with a canceled context or a closed connection is a normal exit
func isDonePanic(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, context.Canceled) || errors.Is(v, ErrClosed)
	case string:
		return v == "Done"
	default:
		return false
	}
}

// HandleError runs `do` and recovers a panic. Handlers may be `func()` or `func(error)`
// and run after the panic is logged.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if !isDonePanic(r) {
				glog.Errorf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// TraceWithReturnError times `do` under `glog.V(2)`. Results are not logged since
// they may carry large values.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	glog.V(2).Infof("%s start\n", tag)

	result, err := do()

	elapsed := time.Since(start)
	millis := float32(elapsed) / float32(time.Millisecond)
	switch {
	case SlowTraceThreshold <= elapsed:
		glog.Infof("%s slow (%.2fms) err = %v\n", tag, millis, err)
	case err != nil:
		glog.V(2).Infof("%s end (%.2fms) err = %s\n", tag, millis, err)
	default:
		glog.V(2).Infof("%s end (%.2fms)\n", tag, millis)
	}
	return result, err
}
