// Copyright (c) 2019 The sable developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
sabled is a full node for the sable network.

It maintains the canonical header chain under reorganizations, keeps the
authenticated UTXO and kernel commitment trees consistent with the chosen
tip, requests missing headers and bodies from peers, prunes history behind
a configurable horizon, and assembles new candidate blocks from a
fee-ordered memory pool.

Usage:

	sabled [OPTIONS]

Use sabled -h to show the available options.
*/
package main
