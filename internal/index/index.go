// Package index defines the narrow contracts of the two downstream indexes
// the sync engine keeps consistent with file content. The engine never
// inspects or locks an index; it only adds and forgets through these
// interfaces.
package index

import "context"

// Primary is the symbolic fact graph. AddOrReplace derives facts from the
// file's current content and returns the opaque key the graph assigned;
// replacing existing content for the same path is the index's concern.
type Primary interface {
	AddOrReplace(ctx context.Context, path string, content []byte) (key string, err error)
	Forget(ctx context.Context, key string) error
}

// Secondary is the vector similarity index over embedded file content.
type Secondary interface {
	AddOrReplace(ctx context.Context, path string, content []byte) (key string, err error)
	Remove(ctx context.Context, key string) error
}
