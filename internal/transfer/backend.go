package transfer

import "context"

// Backend performs one transfer of a staged file.
//
// Transfer blocks until the transfer is finished. It is never called
// concurrently by a Runner.
type Backend interface {
	Name() string
	Transfer(ctx context.Context, filename string) error
}
