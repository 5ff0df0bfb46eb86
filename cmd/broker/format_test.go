package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kilobytes", 1536, "1.5 kB"},
		{"megabytes", 5242880, "5.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatTime_RelativeToNow(t *testing.T) {
	result := formatTime(time.Now().Add(-2 * time.Hour))
	assert.Contains(t, result, "ago")
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"FILE", "SIZE"}
	rows := [][]string{{"general.db", "4.1 kB"}, {"files.db", "0 B"}}

	printTable(&buf, headers, rows)
	out := buf.String()

	assert.Contains(t, out, "FILE")
	assert.Contains(t, out, "general.db")
	assert.Contains(t, out, "files.db")
}
