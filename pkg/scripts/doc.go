// Package scripts loads script files from disk through a compiler, caches
// what it has validated and watches script directories for changes.
package scripts
