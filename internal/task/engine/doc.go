// Package engine runs ad-hoc tasks on a bounded worker pool, apart from the
// cron-driven scheduler. Enqueue never blocks: a full queue or a busy key is
// reported to the caller right away.
package engine
