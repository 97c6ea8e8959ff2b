package common

import (
	"fmt"
	"io"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"
)

// InitLogger builds the logger every binary uses. appName is printed on every line.
func InitLogger(level string, appName string) (*log.Logger, error) {
	logger := log.New()
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("unsupported log level %s", level)
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&LogFormatter{AppName: appName})
	return logger, nil
}

// DiscardLogger returns an entry that drops everything. Used by tests and as a default when the caller
// doesn't pass one.
func DiscardLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

type LogFormatter struct {
	AppName string
}

func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	year, month, day := entry.Time.Date()
	hour, minute, second := entry.Time.Clock()
	b := &strings.Builder{}
	fmt.Fprintf(b, "%d/%02d/%02d %02d:%02d:%02d %s [%s] %s", year, month, day, hour, minute, second,
		strings.ToUpper(entry.Level.String()), f.AppName, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
