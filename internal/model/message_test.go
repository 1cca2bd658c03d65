package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterpartKey(t *testing.T) {
	sent := Message{SenderID: "u-self", RecipientID: "u-tutor", BookingID: "bk-1"}
	received := Message{SenderID: "u-tutor", RecipientID: "u-self", BookingID: "bk-1"}

	want := ThreadKey{CounterpartID: "u-tutor", BookingID: "bk-1"}
	assert.Equal(t, want, CounterpartKey(sent, "u-self"))
	assert.Equal(t, want, CounterpartKey(received, "u-self"))
}

func TestThreadKeyString(t *testing.T) {
	assert.Equal(t, "u-tutor", ThreadKey{CounterpartID: "u-tutor"}.String())
	assert.Equal(t, "u-tutor#bk-7", ThreadKey{CounterpartID: "u-tutor", BookingID: "bk-7"}.String())
}

func TestBookingScopesThreadIdentity(t *testing.T) {
	general := Thread{CounterpartID: "u-tutor"}
	booked := Thread{CounterpartID: "u-tutor", BookingID: "bk-7"}
	assert.NotEqual(t, general.Key(), booked.Key())
}
