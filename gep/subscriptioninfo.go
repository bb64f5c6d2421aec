package gep

import (
	"strings"

	"github.com/spf13/cast"
)

// SubscriptionInfo defines the parameters of a subscription request.
// The zero value is not useful; use NewSubscriptionInfo for the
// publisher-compatible defaults.
type SubscriptionInfo struct {
	FilterExpression string

	RemotelySynchronized bool
	Throttled            bool

	UdpDataChannel       bool
	DataChannelLocalPort uint16

	IncludeTime              bool
	LagTime                  float64
	LeadTime                 float64
	UseLocalClockAsRealTime  bool
	UseMillisecondResolution bool

	StartTime            string
	StopTime             string
	ConstraintParameters string
	ProcessingInterval   int32

	ExtraConnectionStringParameters string
}

// NewSubscriptionInfo returns a SubscriptionInfo with protocol defaults.
func NewSubscriptionInfo() SubscriptionInfo {
	return SubscriptionInfo{
		DataChannelLocalPort: 9500,
		IncludeTime:          true,
		LagTime:              10.0,
		LeadTime:             5.0,
		ProcessingInterval:   -1,
	}
}

// buildConnectionString serializes the subscription parameters into the
// semicolon-delimited key=value form the publisher parses at subscribe
// time. Optional sections are appended only when set.
func (info *SubscriptionInfo) buildConnectionString() string {
	var b strings.Builder

	writeParam := func(key string, value interface{}) {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(cast.ToString(value))
		b.WriteByte(';')
	}

	writeParam("trackLatestMeasurements", info.Throttled)
	writeParam("includeTime", info.IncludeTime)
	writeParam("lagTime", info.LagTime)
	writeParam("leadTime", info.LeadTime)
	writeParam("useLocalClockAsRealTime", info.UseLocalClockAsRealTime)
	writeParam("processingInterval", info.ProcessingInterval)
	writeParam("useMillisecondResolution", info.UseMillisecondResolution)

	b.WriteString("assemblyInfo={source=" + SourceName +
		"; version=" + Version +
		"; buildDate=" + BuildDate + "};")

	if info.FilterExpression != "" {
		b.WriteString("inputMeasurementKeys={" + info.FilterExpression + "};")
	}

	if info.UdpDataChannel {
		writeParam("dataChannel", "{localport="+cast.ToString(info.DataChannelLocalPort)+"}")
	}

	if info.StartTime != "" {
		writeParam("startTimeConstraint", info.StartTime)
	}

	if info.StopTime != "" {
		writeParam("stopTimeConstraint", info.StopTime)
	}

	if info.ConstraintParameters != "" {
		writeParam("timeConstraintParameters", info.ConstraintParameters)
	}

	if info.ExtraConnectionStringParameters != "" {
		b.WriteString(info.ExtraConnectionStringParameters + ";")
	}

	return b.String()
}
