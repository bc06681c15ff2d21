// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package opmux multiplexes concurrent, independent operations over a single shared link.

An operation is one logical call. The calling side (the front) commences it with a COMMENCEMENT ticket, or an ENTIRE ticket if the whole request fits in one, and may stream further input as CONTINUATION tickets closed by a COMPLETION. The serving side (the back) streams results the other way. Either side may end the operation early with a CANCELLATION, EXPIRATION or failure ticket. Every operation ends with exactly one Outcome.

Tickets of one operation and direction carry consecutive sequence numbers starting at zero. A ticket out of sequence, or one breaking the field rules of its kind, ends the operation with a reception failure and is never delivered.

A FrontEnd commences operations and a BackEnd services them using a Servicer. Each is joined with exactly one peer link; Mate joins a FrontEnd with a BackEnd in the same process, or either with a Muxer that relays tickets to a remote Muxer over any io.ReadWriteCloser.

Flow control is a per-operation transmission window with ACKs from the receiver, sent once the receiving consumer has taken the payload. A slow consumer stalls only its own operation.

Server and Client host BackEnds and FrontEnds on TCP or WebSocket connections, and Gateway turns HTTP requests into operations. */
package opmux
