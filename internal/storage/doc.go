// Package storage persists the records the reminder engine works on.
//
// The marketplace owns users and carts; this service only reads them and
// writes their tracking sub-fields. It also owns notification records,
// per-category sender identities and the sweep audit log.
//
// Drivers: memory, file (JSON snapshot + audit jsonl), sqlite (modernc) and
// postgres (lib/pq). The SQL drivers share one schema.
package storage
