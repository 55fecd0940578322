/*
Package metrics provides Prometheus metrics and health endpoints for the
Verge daemons.

All metrics register at package init on the default registry and are
served by Handler(). The gauges cover queries, storage RPCs, raft
partition counts, index maintenance and WAL behavior; the Collector
samples per-host partition totals from the kv store on an interval.

The health half keeps a small component registry (raft, kvstore, rpc) and
serves /health, /ready and /live handlers the daemons mount next to
/metrics.
*/
package metrics
