// Package store holds the persistence collaborators of a meshtalk node.
//
// KV stores small opaque values such as the identity bundle and the peer
// directory. Archive keeps delivered and sent message records per peer.
// Both come in an in-memory flavour, used by default and in tests, and a
// server-backed flavour: RedisKV over go-redis and MongoArchive over the
// MongoDB driver.
package store
