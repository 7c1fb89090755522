package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDerivedIdentitiesAreDistinct(t *testing.T) {
	owner := fillAddr(0x01)
	factory := fillAddr(0x03)

	venueHandler := deriveVenueHandler(owner)
	require.NotEqual(t, owner, venueHandler)
	require.NotEqual(t, [20]byte{}, venueHandler)

	wrapperAddr := deriveTraderAddress(factory, "ETH-USD", "wrapper")
	unwrapperAddr := deriveTraderAddress(factory, "ETH-USD", "unwrapper")
	require.NotEqual(t, [20]byte{}, wrapperAddr)
	require.NotEqual(t, wrapperAddr, unwrapperAddr)
	require.Equal(t, wrapperAddr, deriveTraderAddress(factory, "ETH-USD", "wrapper"))
	require.NotEqual(t, wrapperAddr, deriveTraderAddress(factory, "BTC-USD", "wrapper"))
}

func TestHeightClockAdvances(t *testing.T) {
	clock := &heightClock{}
	require.Zero(t, clock.Height())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go clock.run(ctx, 2*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for clock.Height() == 0 {
		select {
		case <-deadline:
			t.Fatal("clock never advanced")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
