package async

import (
	"runtime/debug"

	"github.com/tryfix/log"
)

func LogPanicTrace(logger log.Logger) {
	if r := recover(); r != nil {
		logger.Fatal(r, string(debug.Stack()))
	}
}
