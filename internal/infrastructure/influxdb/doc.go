// Package influxdb records fleet time-series data in InfluxDB v2.
//
// The shop writes a presence point each time the liveness registry sees
// or prunes a gadget, and a transfer point for every transfer outcome a
// gadget reports. Writes are non-blocking and batched according to
// batch_size and flush_interval. Rejected batches are logged through the
// logger set with SetLogger and fail the next HealthCheck.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePresence("gadget-01", influxdb.PresenceSeen, true, time.Now())
package influxdb
