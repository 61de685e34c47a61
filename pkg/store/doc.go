// Package store defines the contract between the fan-out engine and the
// persistent store.
//
// The engine is the sole owner of computing how many references a publish
// needs; the store only enforces what was reserved:
//
//	stream := s.NewStream()
//	if err := stream.Reserve(ctx, msg.Size(), recipients); err != nil {
//		return err // errors.Is(err, store.ErrInsufficientSpace)
//	}
//	_ = stream.Write(ctx, store.Record{Kind: store.KindMessage, Key: store.MessageKey(msg.ID), MessageID: msg.ID, Message: msg})
//	return stream.Commit(ctx)
//
// Message bodies are reference counted by the store: a body that no
// reference record names once a commit is applied is deleted in the same
// commit, whether the last reference was deleted or none was ever written.
//
// Record encoding and on-disk layout are private to each implementation.
package store
