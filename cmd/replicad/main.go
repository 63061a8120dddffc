// Command replicad is the process entrypoint: parse flags, load the
// configuration file, initialize logging, take the PID lock, then hand off
// to startup. Grounded directly on
// collector/main/collector.go's main/Exit/handleExit/crash shape.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kavadb/replica/config"

	nimo "github.com/gugemichael/nimo4go"
	LOG "github.com/vinllen/log4go"
)

// Version is overwritten at build time via -ldflags, matching
// utils.BRANCH's role in the teacher's own version flag handling.
var Version = "dev"

type Exit struct{ Code int }

func main() {
	defer handleExit()
	defer LOG.Close()
	defer goodbye()

	confPath := flag.String("conf", "", "configure file absolute path")
	verbose := flag.Bool("verbose", false, "show logs on console")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *confPath == "" || *showVersion {
		fmt.Println(Version)
		panic(Exit{0})
	}

	file, err := os.Open(*confPath)
	if err != nil {
		crash(fmt.Sprintf("configure file open failed: %v", err), -1)
	}
	defer file.Close()

	loader := nimo.NewConfigLoader(file)
	loader.SetDateFormat("2006-01-02T15:04:05Z")
	if err := loader.Load(&config.Options); err != nil {
		crash(fmt.Sprintf("configure file %s parse failed: %v", *confPath, err), -2)
	}

	if err := config.Validate(); err != nil {
		crash(fmt.Sprintf("configure options check failed: %v", err), -3)
	}

	if err := initialLogger(config.Options.LogDir, config.Options.LogFile,
		config.Options.LogLevel, config.Options.LogFlush, *verbose); err != nil {
		crash(fmt.Sprintf("initial log.dir[%v] log.file[%v] failed: %v",
			config.Options.LogDir, config.Options.LogFile, err), -4)
	}

	config.Options.Version = Version

	nimo.Profiling(config.Options.SystemProfilePort)

	welcome()

	if !writePidById(config.Options.LogDir, config.Options.Id) {
		crash("another instance is already running against this log directory", -5)
	}

	if err := startup(); err != nil {
		crash(fmt.Sprintf("startup failed: %v", err), -6)
	}
}

func crash(msg string, code int) {
	fmt.Println(msg)
	panic(Exit{code})
}

func handleExit() {
	if e := recover(); e != nil {
		if exit, ok := e.(Exit); ok {
			os.Exit(exit.Code)
		}
		panic(e)
	}
}
