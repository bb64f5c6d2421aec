package gep

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionInfoDefaults(t *testing.T) {
	info := NewSubscriptionInfo()

	assert.False(t, info.Throttled)
	assert.False(t, info.UdpDataChannel)
	assert.Equal(t, uint16(9500), info.DataChannelLocalPort)
	assert.True(t, info.IncludeTime)
	assert.Equal(t, 10.0, info.LagTime)
	assert.Equal(t, 5.0, info.LeadTime)
	assert.False(t, info.UseLocalClockAsRealTime)
	assert.False(t, info.UseMillisecondResolution)
	assert.Equal(t, int32(-1), info.ProcessingInterval)
}

func TestConnectionStringRequiredParameters(t *testing.T) {
	info := NewSubscriptionInfo()

	s := info.buildConnectionString()

	assert.Contains(t, s, "trackLatestMeasurements=false;")
	assert.Contains(t, s, "includeTime=true;")
	assert.Contains(t, s, "lagTime=10;")
	assert.Contains(t, s, "leadTime=5;")
	assert.Contains(t, s, "useLocalClockAsRealTime=false;")
	assert.Contains(t, s, "processingInterval=-1;")
	assert.Contains(t, s, "useMillisecondResolution=false;")
	assert.Contains(t, s, "assemblyInfo={source="+SourceName+"; version="+Version+"; buildDate="+BuildDate+"};")

	// Optional sections absent by default
	assert.NotContains(t, s, "inputMeasurementKeys")
	assert.NotContains(t, s, "dataChannel")
	assert.NotContains(t, s, "startTimeConstraint")
}

func TestConnectionStringOptionalParameters(t *testing.T) {
	info := NewSubscriptionInfo()
	info.FilterExpression = "FILTER ActiveMeasurements WHERE SignalType = 'FREQ'"
	info.UdpDataChannel = true
	info.DataChannelLocalPort = 9500
	info.StartTime = "2026-08-01 00:00:00"
	info.StopTime = "2026-08-02 00:00:00"
	info.ConstraintParameters = "historian=PPA"
	info.ExtraConnectionStringParameters = "customFlag=1"

	s := info.buildConnectionString()

	assert.Contains(t, s, "inputMeasurementKeys={FILTER ActiveMeasurements WHERE SignalType = 'FREQ'};")
	assert.Contains(t, s, "dataChannel={localport=9500};")
	assert.Contains(t, s, "startTimeConstraint=2026-08-01 00:00:00;")
	assert.Contains(t, s, "stopTimeConstraint=2026-08-02 00:00:00;")
	assert.Contains(t, s, "timeConstraintParameters=historian=PPA;")
	assert.True(t, strings.HasSuffix(s, "customFlag=1;"))
}
