/*
Package client provides the service clients of the cluster: the storage
client with its partition router, the meta client with its heartbeat loop,
and the graph client spoken by the console.

# Architecture

The storage client is the piece with real logic. It routes every request
by vertex id onto partitions, orders candidate hosts leader-first from an
LRU leader cache, and retries retryable failures with bounded exponential
backoff:

	┌──────────────── graph service / tools ─────────────────┐
	│                                                          │
	│   StorageClient.AddEdges / GetNeighbors / LookupIndex    │
	│                                                          │
	└──────────────────┬──────────────────────────────────────┘
	                   │ vid → partition → ordered hosts
	┌──────────────────▼──────────────────────────────────────┐
	│  per-partition call loop                                 │
	│  - cached leader first, replicas after                   │
	│  - LEADER_CHANGED / TIMEOUT: retry, bounded + backoff    │
	│  - other codes: fail the partition, keep the rest        │
	└──────────────────┬──────────────────────────────────────┘
	                   │
	        StorageTransport (framed rpc, or in-process)

Failures never vanish: every unrecovered partition lands in the response's
failure map and the caller decides whether the operation was a read (keep
the successful parts, warn) or a write (fail outright).

Edge writes are mirrored here: the out-edge routes to the source's
partition and the generated in-edge to the destination's, which is what
makes the mirror invariant hold at commit time.

# Usage

	tr := client.NewRPCStorageTransport()
	sc, err := client.NewStorageClient(tr, locator)
	resp := sc.AddEdges(ctx, space, edges, true, false)

The meta client keeps one host registered (role, disk usage) and defends
the cluster id it learned on first contact.
*/
package client
