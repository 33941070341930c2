// Package spawner implements the external server spawner spec.md §4.3
// describes: resolving a package identifier to an installed, runnable
// executable and opening it as a child process with piped stdio.
package spawner
