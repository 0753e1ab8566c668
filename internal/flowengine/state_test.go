package flowengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wuzapi-autoflow/internal/conversations"
)

func TestClassify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	recent := now.Add(-time.Hour).Unix()
	stale := now.Add(-25 * time.Hour).Unix()

	cases := []struct {
		name string
		st   conversations.State
		want State
	}{
		{"empty conversation", conversations.State{}, StateNew},
		{"client messages only", conversations.State{LastMessageTime: recent, MessageCount: 3}, StateNew},
		{"answered recently", conversations.State{LastMessageTime: recent, MessageCount: 3, ResponseCount: 1}, StateInFlow},
		{"idle for a day", conversations.State{LastMessageTime: stale, MessageCount: 3, ResponseCount: 1}, StateAwaitingTrigger},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.st, now, DefaultIdleWindow))
		})
	}
}

func TestStripSpaces(t *testing.T) {
	assert.Equal(t, "yesplease", stripSpaces(" yes please\t"))
	assert.Equal(t, "", stripSpaces("  "))
}
