// Package gep implements the client side of the Gateway Exchange
// Protocol: a long-lived framed session over TCP that negotiates
// operational modes, registers for a filtered measurement stream, and
// decodes compact or TSSC-compressed measurements arriving on the
// command channel or an optional UDP data channel.
//
// Typical use pairs a Subscriber with a Connector:
//
//	subscriber := gep.NewSubscriber()
//	subscriber.RegisterNewMeasurementsCallback(onMeasurements)
//
//	connector := gep.NewConnector()
//	connector.SetHostname("publisher.example.com")
//	connector.SetPort(7165)
//
//	if connector.Connect(subscriber) {
//		subscriber.Subscribe()
//	}
//
// All callbacks are delivered serially on a dedicated goroutine, in
// the order responses were parsed; registered callbacks must outlive
// the subscriber.
package gep
