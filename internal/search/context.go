package search

import (
	"fmt"
	"sync/atomic"
)

// Context state values.
const (
	ctxLive int32 = iota
	ctxConsumed
	ctxReleased
)

// Context is a single-owner handle to a server-side search context (a cursor
// the data node keeps open between the query and fetch phases). It is either
// consumed by exactly one fetch call, after which the node frees it, or
// explicitly released by the coordinator. Using a handle twice is a logic
// error and panics.
type Context struct {
	id    string
	shard ShardRef
	state atomic.Int32
}

// NewContext wraps the context id returned by a shard's query response.
func NewContext(id string, shard ShardRef) *Context {
	return &Context{id: id, shard: shard}
}

// ID returns the node-side context identifier.
func (c *Context) ID() string { return c.id }

// Shard returns the shard owning this context.
func (c *Context) Shard() ShardRef { return c.shard }

// Consume marks the context as handed to a fetch call. The owning node frees
// it after responding.
func (c *Context) Consume() {
	if !c.state.CompareAndSwap(ctxLive, ctxConsumed) {
		panic(fmt.Sprintf("search context %s for %s consumed twice", c.id, c.shard))
	}
}

// MarkReleased marks the context as explicitly released by the coordinator.
func (c *Context) MarkReleased() {
	if !c.state.CompareAndSwap(ctxLive, ctxReleased) {
		panic(fmt.Sprintf("search context %s for %s released after prior use", c.id, c.shard))
	}
}

// Consumed reports whether the context was handed to a fetch call.
func (c *Context) Consumed() bool { return c.state.Load() == ctxConsumed }

// Released reports whether the context was explicitly released.
func (c *Context) Released() bool { return c.state.Load() == ctxReleased }

// Live reports whether the context is still owned by the coordinator.
func (c *Context) Live() bool { return c.state.Load() == ctxLive }
