package adu208

import "expvar"

// deviceMetrics record dispatcher activity counters.
type deviceMetrics struct {
	commandsSent     expvar.Int
	repliesParsed    expvar.Int
	parseFailures    expvar.Int // replies that were not a number
	transferFailures expvar.Int // write or read errors on an open device
	opens            expvar.Int
	openFailures     expvar.Int

	emap *expvar.Map
}

func newDeviceMetrics() *deviceMetrics {
	dm := &deviceMetrics{emap: new(expvar.Map)}
	dm.emap.Set("commands_sent", &dm.commandsSent)
	dm.emap.Set("replies_parsed", &dm.repliesParsed)
	dm.emap.Set("parse_failures", &dm.parseFailures)
	dm.emap.Set("transfer_failures", &dm.transferFailures)
	dm.emap.Set("opens", &dm.opens)
	dm.emap.Set("open_failures", &dm.openFailures)
	return dm
}
