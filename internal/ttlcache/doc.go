// Package ttlcache provides a small, thread-safe cache whose entries expire
// after a fixed TTL and whose size is bounded by evicting the oldest write.
//
// The entitlement gate uses it so repeated checks for the same subject within
// the TTL do not hit the network.
package ttlcache
