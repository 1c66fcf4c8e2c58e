// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"fmt"
	"log"
	"log/syslog"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/netdumpd/netdumpd/daemon"
	"github.com/netdumpd/netdumpd/dumpstore"
	"github.com/netdumpd/netdumpd/hook"
	"github.com/netdumpd/netdumpd/stats"
)

// maxDatagramSize bounds a single read off the listening socket:
// the wire header plus the largest payload a client is expected to send
// (spec §4.1), with slack for an oversized/malformed datagram so Parse sees
// the whole thing and can reject it cleanly.
const maxDatagramSize = 2048

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "netdumpd"
	myApp.Usage = "kernel crash dump receiver"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "a",
			Value: "0.0.0.0:20025",
			Usage: "address to listen for incoming dumps on",
		},
		cli.StringFlag{
			Name:  "d",
			Value: "/var/crash",
			Usage: "directory to write dump files into",
		},
		cli.StringFlag{
			Name:  "i",
			Value: "",
			Usage: "script to run when a dump session ends (success, timeout, or error)",
		},
		cli.StringFlag{
			Name:  "P",
			Value: "",
			Usage: "file to write the daemon's PID to",
		},
		cli.BoolFlag{
			Name:  "D",
			Usage: "run in the foreground with debug logging to stderr instead of syslog",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr/syslog",
		},
		cli.StringFlag{
			Name:  "statslog",
			Value: "",
			Usage: "collect stats to a CSV file, aware of timeformat in golang, like: ./stats-20060102.log",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 60,
			Usage: "stats collection period, in seconds",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	config := Config{
		Listen:      c.String("a"),
		DumpDir:     c.String("d"),
		Hook:        c.String("i"),
		PIDFile:     c.String("P"),
		Debug:       c.Bool("D"),
		Log:         c.String("log"),
		StatsLog:    c.String("statslog"),
		StatsPeriod: c.Int("statsperiod"),
	}

	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			log.Printf("%+v\n", err)
			os.Exit(1)
		}
	}

	logger := newStdLogger(&config)

	logger.Printf("version: %s", VERSION)
	logger.Printf("listening on: %s", config.Listen)
	logger.Printf("dump directory: %s", config.DumpDir)
	logger.Printf("hook: %q", config.Hook)
	logger.Printf("pidfile: %q", config.PIDFile)
	logger.Printf("debug: %v", config.Debug)
	logger.Printf("statslog: %q, statsperiod: %ds", config.StatsLog, config.StatsPeriod)

	if config.PIDFile != "" {
		if err := os.WriteFile(config.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			logger.Warnf("could not write pidfile %s: %v", config.PIDFile, err)
		}
	}

	dir, err := dumpstore.Open(config.DumpDir)
	if err != nil {
		logger.Printf("%+v", err)
		os.Exit(1)
	}

	source, err := listen(config.Listen)
	if err != nil {
		logger.Printf("%+v", err)
		os.Exit(1)
	}

	counters := &stats.Counters{}
	collector := &stats.Collector{
		Path:     config.StatsLog,
		Period:   time.Duration(config.StatsPeriod) * time.Second,
		Counters: counters,
	}
	stop := make(chan struct{})
	go collector.Run(stop)
	defer close(stop)

	d := daemon.New(dir, source, hook.Runner{Path: config.Hook}, counters, logger)
	return d.Run()
}

// stdLogger is the ambient logging boundary: plain stderr logging in
// debug/foreground mode, syslog otherwise, with operator-facing warnings
// additionally highlighted the way the teacher calls out QPP warnings
// with fatih/color.
type stdLogger struct {
	warn func(string)
}

func newStdLogger(config *Config) *stdLogger {
	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			log.Printf("%+v\n", err)
			os.Exit(1)
		}
		log.SetOutput(f)
	} else if !config.Debug {
		writer, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "netdumpd")
		if err == nil {
			log.SetOutput(writer)
			log.SetFlags(0)
		}
	}

	return &stdLogger{warn: func(s string) { color.Yellow(s) }}
}

func (l *stdLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (l *stdLogger) Warnf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	log.Print(msg)
	l.warn(msg)
}
