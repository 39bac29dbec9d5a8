// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp provides the plain TCP dial/listen helpers used for the
// out-of-band setup-blob handshake (spec §2, "Connection establishment").
// It carries no RDMA semantics of its own; conn.Dial and conn.Accept use
// it to obtain a net.Conn and exchange setup blobs over it. The socket
// stays open after the queue pair reaches RTS (readability then means
// the peer went away) and is closed when the connection tears down.
package tcp
