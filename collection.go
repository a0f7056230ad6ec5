package keep

import (
	"context"

	"github.com/GeceGibi/keep/internal/subkey"
)

// ChildSeparator joins a parent name and a child name into the child's
// full key name.
const ChildSeparator = "."

// Collection tracks the known child names of one parent key, so a
// dynamic family of keys stays enumerable across restarts. Child
// values are ordinary keys named by ChildName; the collection only
// records which children exist.
//
// Membership changes are debounced to one persisted set per flush
// window and merged with whatever is on disk, so two instances
// registering different children both survive.
type Collection struct {
	store  *Store
	parent string
	set    *subkey.Set
}

// Parent returns the parent key name.
func (c *Collection) Parent() string {
	return c.parent
}

// ChildName returns the full key name of one child.
func (c *Collection) ChildName(name string) string {
	return c.parent + ChildSeparator + name
}

// Register records a child name. Registering a known name is a no-op.
func (c *Collection) Register(name string) error {
	if c.store.closed.Load() {
		return ErrClosed
	}
	if name == "" {
		return ErrInvalidOptions.WithDetails("empty child name")
	}
	c.store.metrics.RecordOp(c.store.opts.Name, "subkey_register")

	known := c.set.Has(name)
	c.set.Register(name)
	if !known {
		c.store.events.publish(c.parent, OpSet)
	}
	return nil
}

// Remove forgets a child name. The removal survives merges with stale
// on-disk sets, so a name removed here does not resurface when another
// instance's older set is folded in.
func (c *Collection) Remove(name string) error {
	if c.store.closed.Load() {
		return ErrClosed
	}
	c.store.metrics.RecordOp(c.store.opts.Name, "subkey_remove")

	known := c.set.Has(name)
	c.set.Remove(name)
	if known {
		c.store.events.publish(c.parent, OpSet)
	}
	return nil
}

// Clear forgets every child name and removes the persisted set now,
// rather than waiting for the debounce window.
func (c *Collection) Clear(ctx context.Context) error {
	if c.store.closed.Load() {
		return ErrClosed
	}
	c.store.metrics.RecordOp(c.store.opts.Name, "subkey_clear")

	hadNames := c.set.Len() > 0
	c.set.Clear()
	if err := c.set.Merge(ctx); err != nil {
		wrapped := wrapWrite(err)
		c.store.rep.report("subkey_clear", c.parent, wrapped)
		return wrapped
	}
	if hadNames {
		c.store.events.publish(c.parent, OpSet)
	}
	return nil
}

// Has reports whether a child name is registered.
func (c *Collection) Has(name string) bool {
	return c.set.Has(name)
}

// Names returns the registered child names, sorted.
func (c *Collection) Names() []string {
	return c.set.Names()
}

// Len returns the number of registered child names.
func (c *Collection) Len() int {
	return c.set.Len()
}

// Flush persists the current set immediately.
func (c *Collection) Flush(ctx context.Context) error {
	if c.store.closed.Load() {
		return ErrClosed
	}
	if err := c.set.Merge(ctx); err != nil {
		return wrapWrite(err)
	}
	return nil
}
