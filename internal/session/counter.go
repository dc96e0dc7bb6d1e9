/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package session

import "sync/atomic"

// packedCount is the (readers<<1)|free_bit word embedded in every ring
// slot. Two kinds of update race on it without ever corrupting each
// other: a reader's optimistic ±2 pin/unpin, and the writer's ±1
// free/live toggle. Each side's speculative change is either accepted
// or cleanly undone, per spec.md §4.1.
type packedCount struct {
	v atomic.Uint32
}

// doubleIncIfEven is the reader's pin attempt. It adds 2 unconditionally
// and then checks whether the value it observed beforehand was odd
// (free); if so it backs the add out and reports failure. The success
// path synchronizes with the writer's release-store of 0 when it last
// published this slot, so the reader is guaranteed to observe the final
// {version, top_ref, file_size} written before that release.
func (c *packedCount) doubleIncIfEven() bool {
	prior := c.v.Add(2) - 2
	if prior&1 != 0 {
		c.v.Add(^uint32(1)) // undo: -2
		return false
	}
	return true
}

// doubleDec is the reader's unpin. It pairs with the writer's later
// acquire (via oneIfZero) when it recycles this slot, ensuring all of the
// reader's loads happen-before that recycling.
func (c *packedCount) doubleDec() {
	c.v.Add(^uint32(1)) // -2
}

// oneIfZero is the writer's attempt to mark a slot free during cleanup.
// It adds 1 and checks whether the value it
// observed beforehand was already non-zero (someone still reading it); if
// so it backs the add out and reports failure.
func (c *packedCount) oneIfZero() bool {
	prior := c.v.Add(1) - 1
	if prior != 0 {
		c.v.Add(^uint32(0)) // undo: -1
		return false
	}
	return true
}

// dec clears the free bit when the writer publishes a slot as newly live.
func (c *packedCount) dec() {
	c.v.Add(^uint32(0)) // -1
}

func (c *packedCount) load() uint32 {
	return c.v.Load()
}

func (c *packedCount) store(val uint32) {
	c.v.Store(val)
}

// isFree reports whether the low bit is set, i.e. the slot currently
// holds no live snapshot.
func (c *packedCount) isFree() bool {
	return c.load()&1 != 0
}

// readers reports the number of pins currently held on this slot.
func (c *packedCount) readers() uint32 {
	return c.load() >> 1
}
