package app

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToastStackEvictsOldest(t *testing.T) {
	ts := &ToastStack{}
	ts.SetWidth(80)

	for i := 0; i < maxToasts+2; i++ {
		ts.Add("message", ToastInfo)
	}
	assert.Equal(t, maxToasts, ts.Height())
}

func TestToastTickExpires(t *testing.T) {
	ts := &ToastStack{}
	ts.Add("short lived", ToastInfo)
	assert.True(t, ts.HasToasts())

	changed := ts.Tick(time.Now().Add(time.Minute))
	assert.True(t, changed)
	assert.False(t, ts.HasToasts())
	assert.Empty(t, ts.View())
}

func TestToastViewTruncatesToWidth(t *testing.T) {
	ts := &ToastStack{}
	ts.SetWidth(20)
	ts.Add(strings.Repeat("x", 100), ToastError)

	for _, line := range strings.Split(ts.View(), "\n") {
		assert.LessOrEqual(t, len([]rune(line)), 120) // styled width, not content
	}
	assert.Contains(t, ts.View(), "…")
}
