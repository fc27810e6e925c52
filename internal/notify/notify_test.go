// ABOUTME: Tests for notice fan-out and recording
// ABOUTME: Ensures Multi preserves order and Recorder filters by level

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMulti_ForwardsInOrder(t *testing.T) {
	var got []string
	a := Func(func(n Notice) { got = append(got, "a:"+n.Message) })
	b := Func(func(n Notice) { got = append(got, "b:"+n.Message) })

	Multi{a, nil, b}.Notify(Notice{Level: LevelInfo, Message: "hi"})

	assert.Equal(t, []string{"a:hi", "b:hi"}, got)
}

func TestRecorder_ByLevel(t *testing.T) {
	var r Recorder
	r.Notify(Notice{Level: LevelWarning, Message: "w"})
	r.Notify(Notice{Level: LevelError, Message: "e"})
	r.Notify(Notice{Level: LevelWarning, Message: "w2"})

	assert.Len(t, r.Notices(), 3)
	warnings := r.ByLevel(LevelWarning)
	if assert.Len(t, warnings, 2) {
		assert.Equal(t, "w2", warnings[1].Message)
	}
}

func TestLogNotifier_NilLogger(t *testing.T) {
	n := NewLogNotifier(nil)
	n.Notify(Notice{Level: LevelError, Source: "test", Message: "does not panic"})
}
