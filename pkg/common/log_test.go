package common

import (
	"bytes"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	logger, err := InitLogger("DEBUG", "dwarfkeeper")
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	_, err = InitLogger("loud", "dwarfkeeper")
	assert.Error(t, err)
}

func TestLogFormatter(t *testing.T) {
	f := &LogFormatter{AppName: "replica"}
	entry := &log.Entry{
		Time:    time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "View changed",
		Data:    log.Fields{"view": "1:4", "member": "m1"},
	}
	b, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2024/05/06 07:08:09 WARNING [replica] View changed member=m1 view=1:4\n", string(b))
}

func TestLogFormatter_NoFields(t *testing.T) {
	logger, err := InitLogger("info", "hub")
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.Debug("dropped")
	logger.Info("kept")
	assert.Contains(t, buf.String(), "INFO [hub] kept\n")
	assert.NotContains(t, buf.String(), "dropped")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(true))
	assert.Equal(t, "error", Outcome(false))
}
