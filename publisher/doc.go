// Package publisher mirrors reconciled resource states to external systems.
//
// Every state a resource.Synchronizer settles on (ok or error) is appended
// to a durable, ordered log backed by Pebble. One Worker per configured sink
// tails the log from its own cursor and publishes to Kafka or NATS, so a
// slow or unreachable sink never blocks synchronization and resumes where it
// left off after a restart.
//
// Key layout:
//
//	/change/{seq:016x}   -> msgpack(ChangeEvent)
//	/cursor/{sinkName}   -> uint64 (last processed seq)
//	/seq                 -> uint64 (last assigned seq)
//
// Topics are "{topic_prefix}.{watch name}" and messages are keyed by watch
// name. Releasing a resource publishes a tombstone for its key.
//
// Entries every sink has processed are trimmed every 64 sequences.
package publisher
