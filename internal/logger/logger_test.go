package logger

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelWarn, "dns")

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	l.Error("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [dns] shown 2")
	assert.Contains(t, out, "[ERROR] [dns] shown 3")

	buf.Reset()
	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "[DEBUG] [dns] now visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestFileLogAndRetention(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, filePrefix+"2000-01-01.log")
	require.NoError(t, os.WriteFile(old, []byte("old\n"), 0644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), nil, 0644))

	l := NewLogger(nil, LevelInfo, "")
	require.NoError(t, l.Configure(&LogConfig{LogDir: dir, RetentionDays: 7, EnableFileLog: true}))
	l.Info("tunnel opened")
	l.Close()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired log file kept")

	files, err := GetLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filePrefix+time.Now().Format("2006-01-02")+".log", files[0].Name)

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] tunnel opened")
}

func TestInitRoutesStdLog(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultOutput(&buf)
	defer SetDefaultOutput(os.Stdout)

	Init()
	defer log.SetOutput(os.Stderr)
	log.Printf("from std log")

	assert.True(t, strings.HasSuffix(strings.TrimSpace(buf.String()), "[INFO] from std log"))
}
