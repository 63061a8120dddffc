package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/nightlyone/lockfile"

	LOG "github.com/vinllen/log4go"
)

// writePidById takes an exclusive lock on <dir>/<id>.pid, the same
// single-instance guard utils.WritePidById/WritePid gives the teacher's
// collector process, grounded directly on those two functions — swapped
// from the hand-rolled flock syscall to the real nightlyone/lockfile module
// the teacher's own go.mod already names.
func writePidById(dir, id string) bool {
	if dir == "" {
		dir, _ = os.Getwd()
	} else if dir[0] != '/' {
		baseDir, _ := os.Getwd()
		dir = path.Join(baseDir, dir)
	}

	pidfile := filepath.Join(dir, id) + ".pid"
	lock, err := lockfile.New(pidfile)
	if err != nil {
		LOG.Critical("replicad: pid lockfile path %v invalid: %v", pidfile, err)
		return false
	}
	if err := lock.TryLock(); err != nil {
		LOG.Critical("replicad: pid lock %v failed: %v", pidfile, err)
		return false
	}
	return true
}

func welcome() {
	banner := `______________________________
\                             \
 \       replicad, go go go    \
  \                             \
   \____________________________\
`
	LOG.Info(fmt.Sprintf("\n%s\n", banner))
}

func goodbye() {
	LOG.Info("replicad: shutting down")
}
