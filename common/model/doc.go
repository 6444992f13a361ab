// Package model defines the data exchanged between the sender and receiver
// contexts of the proof relay.
package model
