// Package objectstore abstracts the durable tier the mirror uploads
// finished downloads into. The core never depends on a concrete backend;
// it only calls Put and treats key as opaque, per spec §4.7.
package objectstore

import "context"

// Store is the capability the core needs from long-term storage. There is
// deliberately no Get/List/Delete here: the fetcher only ever writes.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
}
