package router_test

import "time"

const (
	testTimeout = time.Second
	testTick    = time.Millisecond
)
