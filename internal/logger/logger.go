// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package logger provides named, structured loggers for the scan
// coordination packages. Each component (lease, split, worker)
// fetches its own logger so log lines are self-describing
// without callers threading a logger through every call.
package logger

import (
	"os"
	"sync"

	prefixed "github.com/chappjc/logrus-prefix"
	"github.com/mattn/go-colorable"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixformat "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	mu       sync.Mutex
	loggers  = map[string]*logrus.Entry{}
	root     = logrus.New()
	fileHook *lfshook.LfsHook
	hookOnce sync.Once
)

func init() {
	root.SetOutput(colorable.NewColorableStdout())
	root.SetFormatter(&prefixformat.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		QuoteEmptyFields: true,
	})
	root.SetLevel(logrus.InfoLevel)
}

// SetLevel sets the logging level for every logger handed out by this
// package, present and future.
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	root.SetLevel(level)
}

// SetErrorLogFile additionally mirrors error-level-and-above log lines
// to the given file, the way an operator would want a durable record
// of worker failures without wading through info-level scan chatter.
func SetErrorLogFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if fileHook != nil {
		kept := logrus.LevelHooks{}
		for level, hooks := range root.Hooks {
			for _, h := range hooks {
				if h != logrus.Hook(fileHook) {
					kept[level] = append(kept[level], h)
				}
			}
		}
		root.ReplaceHooks(kept)
	}
	fileHook = lfshook.NewHook(lfshook.WriterMap{
		logrus.ErrorLevel: f,
		logrus.FatalLevel: f,
		logrus.PanicLevel: f,
	}, &prefixformat.TextFormatter{FullTimestamp: true})
	root.AddHook(fileHook)
	return nil
}

// GetLogger returns the named logger for component, creating it on
// first use. The chappjc/logrus-prefix hook that stamps every entry
// with its component name is registered on root exactly once, no
// matter how many distinct components end up calling this.
func GetLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	hookOnce.Do(func() { root.AddHook(prefixed.NewHook()) })

	if l, ok := loggers[component]; ok {
		return l
	}
	entry := root.WithField("prefix", component)
	loggers[component] = entry
	return entry
}
