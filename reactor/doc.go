// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor owns the process-wide RDMA device, protection domain,
// completion queue and shared receive queue, and routes completions back
// to connections by queue-pair number (spec §6, "Reactor interface
// consumed"). It posts work requests on a connection's behalf and defers
// callbacks onto the loop goroutine it shares with the rest of the
// process.
package reactor
