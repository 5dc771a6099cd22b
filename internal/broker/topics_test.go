package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zw834675966/ems/internal/config"
)

func testTopics() Topics {
	return NewTopics(config.BrokerConfig{
		TopicPrefix:   "ems",
		DataPrefix:    "data",
		CmdPrefix:     "commands",
		ReceiptPrefix: "receipts",
	})
}

func TestParseDataWithoutSourceID(t *testing.T) {
	tp := testTopics()
	parsed, err := tp.ParseData("ems.data.t1.p1.building.roof.temp")
	require.NoError(t, err)
	assert.Equal(t, "t1", parsed.Tenant)
	assert.Equal(t, "p1", parsed.Project)
	assert.Equal(t, "building/roof/temp", parsed.Address)
	assert.Empty(t, parsed.SourceID)
}

func TestParseDataWithSourceID(t *testing.T) {
	tp := NewTopics(config.BrokerConfig{TopicPrefix: "ems", DataPrefix: "data", DataIncludeSourceID: true})
	parsed, err := tp.ParseData("ems.data.t1.p1.gw1.temp")
	require.NoError(t, err)
	assert.Equal(t, "gw1", parsed.SourceID)
	assert.Equal(t, "temp", parsed.Address)
}

func TestParseDataRejectsMalformed(t *testing.T) {
	tp := testTopics()
	_, err := tp.ParseData("ems.data.t1")
	assert.ErrorIs(t, err, ErrBadTopic)
}

func TestParseReceiptLastSegmentIsCommandID(t *testing.T) {
	tp := testTopics()
	tenant, project, commandID, err := tp.ParseReceipt("ems.receipts.t1.p1.extra.cmd1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant)
	assert.Equal(t, "p1", project)
	assert.Equal(t, "cmd1", commandID)
}

func TestParseReceiptRejectsMalformed(t *testing.T) {
	tp := testTopics()
	_, _, _, err := tp.ParseReceipt("too.short")
	assert.ErrorIs(t, err, ErrBadTopic)
}

func TestCommandSubjectWithAndWithoutTarget(t *testing.T) {
	tp := NewTopics(config.BrokerConfig{TopicPrefix: "ems", CmdPrefix: "commands", CmdIncludeTarget: true})
	assert.Equal(t, "ems.commands.t1.p1.gw1.cmd1", tp.commandSubject("t1", "p1", "gw1", "cmd1"))

	tp2 := NewTopics(config.BrokerConfig{TopicPrefix: "ems", CmdPrefix: "commands"})
	assert.Equal(t, "ems.commands.t1.p1.cmd1", tp2.commandSubject("t1", "p1", "gw1", "cmd1"))
}

func TestNormalizeSubjectConvertsSlashesToDots(t *testing.T) {
	assert.Equal(t, "ems.data.t1.p1.addr", NormalizeSubject("ems/data/t1/p1/addr"))
}
