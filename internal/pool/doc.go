// Package pool implements the bounded, reusable connection pool
// spec.md §4.5 describes: FIFO/LIFO/random checkout strategies,
// overflow connections created beyond size but within size+max_overflow
// and destroyed eagerly on return, a waiter queue for blocked
// checkouts, and periodic validation of idle connections.
package pool
