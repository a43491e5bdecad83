// Copyright 2025 Kestrel, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package join

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestreldb/kestrel/pkg/util/chunk"
)

var testKeyCols = []int{0}

func addBuildChunk(t *testing.T, table *HashTable, chk *chunk.Chunk) {
	hashes, _ := computeJoinHashes(chk, testKeyCols)
	require.NoError(t, table.AddChunk(chk, hashes))
}

// probeRow builds a one-row probe chunk carrying key.
func probeRow(key int64) chunk.Row {
	chk := chunk.NewWithCapacity(testBuildTypes, 1)
	chk.Column(0).AppendInt64(key)
	chk.Column(1).AppendNull()
	return chk.GetRow(0)
}

func TestHashTableLookup(t *testing.T) {
	table := NewHashTable(testBuildTypes, testKeyCols, nil)
	addBuildChunk(t, table, makeBuildChunk(0, 100))
	addBuildChunk(t, table, makeBuildChunk(100, 100))
	require.Equal(t, int64(200), table.NumRows())
	require.Positive(t, table.MemoryUsage())

	for _, key := range []int64{0, 57, 199} {
		rows := table.Lookup(probeRow(key), testKeyCols)
		require.Len(t, rows, 1)
		require.Equal(t, key, rows[0].GetInt64(0))
		require.Equal(t, fmt.Sprintf("payload-%d", key), rows[0].GetString(1))
	}
	require.Empty(t, table.Lookup(probeRow(1000), testKeyCols))
}

func TestHashTableDuplicateKeys(t *testing.T) {
	table := NewHashTable(testBuildTypes, testKeyCols, nil)
	addBuildChunk(t, table, makeBuildChunk(0, 10))
	addBuildChunk(t, table, makeBuildChunk(0, 10))

	rows := table.Lookup(probeRow(3), testKeyCols)
	require.Len(t, rows, 2)
}

func TestHashTableNullKeys(t *testing.T) {
	table := NewHashTable(testBuildTypes, testKeyCols, nil)
	chk := chunk.NewWithCapacity(testBuildTypes, 2)
	chk.Column(0).AppendNull()
	chk.Column(1).AppendString("null key")
	chk.Column(0).AppendInt64(1)
	chk.Column(1).AppendString("real key")
	hashes, numNulls := computeJoinHashes(chk, testKeyCols)
	require.Equal(t, 1, numNulls)
	require.Equal(t, rowHashNull, hashes[0])
	require.NoError(t, table.AddChunk(chk, hashes))

	// The null-key row is stored but never matches.
	require.Equal(t, int64(2), table.NumRows())
	require.Len(t, table.Lookup(probeRow(1), testKeyCols), 1)

	nullProbe := chunk.NewWithCapacity(testBuildTypes, 1)
	nullProbe.Column(0).AppendNull()
	nullProbe.Column(1).AppendNull()
	require.Empty(t, table.Lookup(nullProbe.GetRow(0), testKeyCols))
}

func TestHashTableMerge(t *testing.T) {
	merged := NewHashTable(testBuildTypes, testKeyCols, nil)
	addBuildChunk(t, merged, makeBuildChunk(0, 50))

	var others []*HashTable
	for i := 1; i <= 3; i++ {
		o := NewHashTable(testBuildTypes, testKeyCols, nil)
		addBuildChunk(t, o, makeBuildChunk(i*50, 50))
		others = append(others, o)
	}
	require.NoError(t, merged.Merge(others))
	require.Equal(t, int64(200), merged.NumRows())

	for key := int64(0); key < 200; key += 13 {
		rows := merged.Lookup(probeRow(key), testKeyCols)
		require.Len(t, rows, 1, "key %d", key)
		require.Equal(t, fmt.Sprintf("payload-%d", key), rows[0].GetString(1))
	}
}

func TestHashJoinKeyNeverZero(t *testing.T) {
	chk := makeBuildChunk(0, 1000)
	hashes, numNulls := computeJoinHashes(chk, testKeyCols)
	require.Zero(t, numNulls)
	for _, h := range hashes {
		require.NotEqual(t, rowHashNull, h)
	}
}
