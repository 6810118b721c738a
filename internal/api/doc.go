// Package api provides the HTTP surfaces of both fleet roles.
//
// The shop server accepts heartbeats or registrations, lists devices and
// streams registry events over WebSocket. The gadget server answers the
// shop's probes and accepts uploads for transfer.
//
// Both follow the same lifecycle:
//
//	server, err := api.NewShop(deps)
//	if err := server.Start(ctx); err != nil { ... }
//	defer server.Close()
package api
