package client

// This file exports internal helpers for testing only.

// PendingReleases returns how many handles are waiting for the background
// releaser.
func (c *Client) PendingReleases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.releasedDataHandles) + len(c.releasedCompileHandles)
}

// TriggerReleaser wakes the background releaser.
func (c *Client) TriggerReleaser() {
	c.releaser.trigger()
}

// CompilationCacheLen returns how many programs the compilation cache holds.
func (c *Client) CompilationCacheLen() int {
	return c.compilations.len()
}
