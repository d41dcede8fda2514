//go:build !linux

package netfilter

import "fmt"

func newIPTables(cfg Config, o options) (Table, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, BackendIPTables)
}

func newNFTables(cfg Config, o options) (Table, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, BackendNFTables)
}
