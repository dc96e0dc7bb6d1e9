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

// Package session implements a multi-process, multi-version
// concurrency-control coordinator for a single embedded database file.
//
// Many independent OS processes map the same transient "session file"
// (a companion `<db>.lock` file, recreated at the start of every session)
// and use it to agree on a bounded ring of live snapshots, to hand out
// read pins on those snapshots, and to serialize commits of new ones.
// The coordinator does not know how the database file itself is laid
// out; it hands the on-disk slab allocation and node serialization off
// to the Allocator and GroupWriter collaborators and only tracks which
// versions are alive and who is still reading them.
package session
