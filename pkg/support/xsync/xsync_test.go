// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go l.Trigger()
	l.Wait()
	require.True(t, l.Test())

	// Triggering again is a no-op.
	l.Trigger()
	require.True(t, l.Test())
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	require.False(t, l.Test())
	go l.Trigger(42)
	require.Equal(t, 42, l.Wait())

	// The first value sticks.
	l.Trigger(7)
	require.Equal(t, 42, l.Wait())
}
