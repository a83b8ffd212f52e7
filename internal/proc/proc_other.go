//go:build !unix

package proc

import (
	"errors"
	"os"

	"cronkeeper/internal/fault"
)

func childMaxRSS(*os.ProcessState) int64 { return 0 }

func selfMaxRSS() int64 { return 0 }

func Detach([]string, []string) (int, error) {
	return 0, fault.Execution("detach", errors.New("detached launch requires a unix platform"))
}
