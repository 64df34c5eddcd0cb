// Copyright 2024 The zaku Authors
// This file is part of the zaku library.
//
// The zaku library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The zaku library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the zaku library. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryJSONDocs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	type doc struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	require.NoError(t, m.SetJSON(ctx, "k", doc{Name: "a", N: 1}))

	var out doc
	ok, err := m.GetJSON(ctx, "k", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc{Name: "a", N: 1}, out)

	ok, err = m.GetJSON(ctx, "missing", &out)
	require.NoError(t, err)
	require.False(t, ok)

	wrote, err := m.SetJSONNX(ctx, "k", doc{Name: "b"})
	require.NoError(t, err)
	require.False(t, wrote)

	wrote, err = m.SetJSONNX(ctx, "k2", doc{Name: "b"})
	require.NoError(t, err)
	require.True(t, wrote)
}

func TestMemoryListOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PushTail(ctx, "l", "a", "b"))
	require.NoError(t, m.PushHead(ctx, "l", "z"))

	n, err := m.ListLen(ctx, "l")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	for _, want := range []string{"z", "a", "b"} {
		got, ok, err := m.PopHead(ctx, "l")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	_, ok, err := m.PopHead(ctx, "l")
	require.NoError(t, err)
	require.False(t, ok)
}

// No two concurrent PopHead calls may observe the same element.
func TestMemoryPopHeadExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const total = 200
	for i := 0; i < total; i++ {
		require.NoError(t, m.PushTail(ctx, "l", string(rune('0'+i%10))+"-"+string(rune('a'+i%26))+"-"+itox(i)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok, err := m.PopHead(ctx, "l")
				require.NoError(t, err)
				if !ok {
					return
				}
				mu.Lock()
				require.False(t, seen[v], "element %q popped twice", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, total)
}

func TestMemoryDeleteCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SetBytes(ctx, "a", []byte{1}))
	require.NoError(t, m.PushTail(ctx, "b", "x"))

	n, err := m.Delete(ctx, "a", "b", "c")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = m.Delete(ctx, "a")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMemoryScanPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SetBytes(ctx, "q:1", nil))
	require.NoError(t, m.SetBytes(ctx, "q:2", nil))
	require.NoError(t, m.SetBytes(ctx, "r:1", nil))

	keys, err := m.ScanPrefix(ctx, "q:")
	require.NoError(t, err)
	require.Equal(t, []string{"q:1", "q:2"}, keys)
}

func TestMemoryPubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// No subscribers yet: publish reaches nobody.
	n, err := m.Publish(ctx, "t", []byte("lost"))
	require.NoError(t, err)
	require.Zero(t, n)

	sub, err := m.Subscribe(ctx, "t")
	require.NoError(t, err)

	n, err = m.Publish(ctx, "t", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.Equal(t, []byte("hello"), <-sub.Events())

	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	require.False(t, open)

	// A subscription issued after a publish never sees it.
	sub2, err := m.Subscribe(ctx, "t")
	require.NoError(t, err)
	select {
	case ev := <-sub2.Events():
		t.Fatalf("unexpected event %q", ev)
	default:
	}
	require.NoError(t, sub2.Close())
}

func itox(i int) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[(i>>4)&0xf], hex[i&0xf]})
}
