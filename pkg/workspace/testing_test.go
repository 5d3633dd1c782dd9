package workspace

import "github.com/agenda-podcast/fd2/pkg/logx"

func testLogger() *logx.Logger {
	return logx.NewLogger("workspace-test")
}
