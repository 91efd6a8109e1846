// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortedKeys(t *testing.T) {
	m := map[int]string{3: "c", 1: "a", 2: "b"}
	require.Equal(t, []int{1, 2, 3}, SortedKeys(m))
	require.ElementsMatch(t, []int{1, 2, 3}, Keys(m))
	require.Empty(t, SortedKeys(map[string]int{}))
}

func TestMap(t *testing.T) {
	require.Equal(t, []int{2, 4, 6}, Map([]int{1, 2, 3}, func(e int) int { return 2 * e }))
}
