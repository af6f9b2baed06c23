package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryValues(t *testing.T) {
	assert.EqualValues(t, 1, Programmatic)
	assert.EqualValues(t, 2, Managed)
	assert.EqualValues(t, 999, System)
	assert.EqualValues(t, -1, Testing)
	assert.EqualValues(t, -2, Unitesting)
}

func TestStatusValues(t *testing.T) {
	assert.EqualValues(t, 0, StatusProcessing)
	assert.EqualValues(t, 1, StatusSucceed)
	assert.EqualValues(t, -1, StatusFailed)
	assert.EqualValues(t, -2, StatusTimeout)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Processing", StatusProcessing.String())
	assert.Equal(t, "Succeed", StatusSucceed.String())
	assert.Equal(t, "Failed", StatusFailed.String())
	assert.Equal(t, "Timeout", StatusTimeout.String())
	assert.Equal(t, "Unknown", Status(77).String())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSucceed.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimeout.Terminal())
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "billing.invoice_created", Channel("billing", "invoice_created"))

	e := &Event{Publisher: "billing", EventType: "invoice_created"}
	assert.Equal(t, "billing.invoice_created", e.Channel())

	set := &SubscribedEventType{Publisher: "billing", EventType: "invoice_created"}
	assert.Equal(t, "billing.invoice_created", set.Channel())
}

func TestSubscribedEventTypeEditable(t *testing.T) {
	assert.True(t, (&SubscribedEventType{Category: Managed}).IsEditable())
	assert.True(t, (&SubscribedEventType{Category: Testing}).IsEditable())
	assert.False(t, (&SubscribedEventType{Category: Programmatic}).IsEditable())
	assert.False(t, (&SubscribedEventType{Category: System}).IsEditable())
}
