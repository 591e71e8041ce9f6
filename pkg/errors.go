package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned when a Create/Insert targets a key that is
	// already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrPeerUnreachable is returned when a TCP connect or receive times out
	// talking to a remote peer.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrNotLocal is returned by the CreateKey handler when the requested
	// key does not fall in the receiving peer's keyspace.
	ErrNotLocal = errors.New("key is not local to this peer")

	// ErrInsufficientReplicas is returned by DHash Create when fewer than m
	// of the key's n successors are reachable.
	ErrInsufficientReplicas = errors.New("insufficient replicas to meet threshold")

	// ErrTooFewFragments is returned by DHash Read when fewer than m
	// distinct fragments could be retrieved.
	ErrTooFewFragments = errors.New("fewer than m distinct fragments retrieved")

	// ErrInvalidIDAParams is returned when an IDA codec is constructed with
	// n <= m, p <= n, or a non-prime p.
	ErrInvalidIDAParams = errors.New("invalid IDA parameters")

	// ErrInvalidCommand is returned by the RPC handlers when a request lacks
	// a payload field its COMMAND needs. An unknown COMMAND is answered with
	// the plain "Invalid command." error string instead.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrNoSuchPosition is returned by Merkle positional lookups when the
	// requested path does not exist in the tree.
	ErrNoSuchPosition = errors.New("no such node at position")
)
