package phoenix

// HeartbeatPending reports whether a heartbeat is awaiting its reply.
func (c *Client) HeartbeatPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatRef != ""
}
