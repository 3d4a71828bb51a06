package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

type namedObject string

func (o namedObject) String() string {
	return string(o)
}

func TestAuditSinkScoping(t *testing.T) {
	first, second := namedObject("first"), namedObject("second")
	var firstLog, secondLog bytes.Buffer

	defer RegisterAuditSink(first, &firstLog)()
	defer RegisterAuditSink(second, &secondLog)()

	Logf(first, "belongs to the first sink")
	Logf(second, "belongs to the second sink")
	Logf(nil, "belongs to no sink")

	assert.Contains(t, firstLog.String(), "belongs to the first sink")
	assert.NotContains(t, firstLog.String(), "second sink")
	assert.NotContains(t, firstLog.String(), "no sink")

	assert.Contains(t, secondLog.String(), "belongs to the second sink")
	assert.NotContains(t, secondLog.String(), "first sink")
}

func TestAuditSinkDetaches(t *testing.T) {
	o := namedObject("ephemeral")
	var log bytes.Buffer

	unregister := RegisterAuditSink(o, &log)
	Logf(o, "while attached")
	unregister()
	Logf(o, "after detaching")

	assert.Contains(t, log.String(), "while attached")
	assert.NotContains(t, log.String(), "after detaching")
}
