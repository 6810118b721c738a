// Package heartbeat announces a gadget to the shop.
//
// In passive mode the gadget sends a heartbeat every interval, either as
// GET /api/v1/devices/ping with id/port headers or as an MQTT message on
// fleet/gadget/{id}/heartbeat. In active mode it POSTs a registration
// every interval; registration is idempotent, so a gadget the shop pruned
// after a failed probe reappears on its next beat.
//
// Connected reports whether the most recent attempt succeeded.
package heartbeat
