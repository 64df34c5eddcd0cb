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
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used by unit tests and local
// development. Documents round-trip through encoding/json so that type
// fidelity matches the redis provider.
type Memory struct {
	mu     sync.Mutex
	kv     map[string][]byte
	lists  map[string][]string
	sets   map[string]map[string]struct{}
	chans  map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		kv:    make(map[string][]byte),
		lists: make(map[string][]string),
		sets:  make(map[string]map[string]struct{}),
		chans: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (m *Memory) SetJSON(ctx context.Context, key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = doc
	return nil
}

func (m *Memory) SetJSONNX(ctx context.Context, key string, v any) (bool, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.kv[key]; exists {
		return false, nil
	}
	m.kv[key] = doc
	return true, nil
}

func (m *Memory) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.kv[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *Memory) SetBytes(ctx context.Context, key string, data []byte) error {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = cp
	return nil
}

func (m *Memory) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (m *Memory) PushHead(ctx context.Context, key string, vals ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// LPUSH semantics: the last argument ends up at the head.
	for _, v := range vals {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return nil
}

func (m *Memory) PushTail(ctx context.Context, key string, vals ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], vals...)
	return nil
}

func (m *Memory) PopHead(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list[1:]
	}
	return head, true, nil
}

func (m *Memory) ListLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) SetAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SetRemove(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := m.kv[key]; ok {
			delete(m.kv, key)
			n++
		}
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			n++
		}
		if _, ok := m.sets[key]; ok {
			delete(m.sets, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.kv {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range m.lists {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	cp := append([]byte(nil), payload...)
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.chans[channel]))
	for sub := range m.chans[channel] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	var n int64
	for _, sub := range subs {
		if sub.deliver(cp) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	sub := &memorySubscription{
		store:   m,
		channel: channel,
		events:  make(chan []byte, 64),
	}
	if m.chans[channel] == nil {
		m.chans[channel] = make(map[*memorySubscription]struct{})
	}
	m.chans[channel][sub] = struct{}{}
	return sub, nil
}

type memorySubscription struct {
	store   *Memory
	channel string
	events  chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- payload:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) Events() <-chan []byte { return s.events }

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.store.mu.Lock()
	if set := s.store.chans[s.channel]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.store.chans, s.channel)
		}
	}
	s.store.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("store closed")
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0)
	for _, set := range m.chans {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Redis)(nil)
