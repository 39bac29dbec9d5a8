// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package ibv is a small verbs facade: queue pairs, memory regions, and
// completion queues shaped after libibverbs, with a pure-Go loopback
// device behind the same surface so the module builds and tests without
// an RDMA-capable NIC. A production deployment supplies a cgo-backed
// implementation of the same interfaces.
package ibv
