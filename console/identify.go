package console

import (
	"context"
	"time"
)

const identifyTimeout = 5 * time.Second

// Identify runs the identify handshake and returns the endpoint's
// metadata, or the cached result of an earlier handshake on this
// connection. The cache is invalidated when the connection closes.
//
// If no response arrives within the timeout, or the connection closes
// first, Identify returns nil; it never fails. The temporary frame
// listener is removed on every return path, so repeated calls do not
// accumulate listeners.
func (c *Connection) Identify(ctx context.Context) *IdentifyInfo {
	c.mu.Lock()
	if c.ident != nil {
		info := c.ident
		c.mu.Unlock()
		return info
	}
	c.mu.Unlock()

	ch := make(chan *IdentifyInfo, 1)
	h := c.OnData.Add(func(f Frame) {
		if f.Type != TypeIdentify {
			return
		}
		var msg identifyMessage
		if err := f.Decode(&msg); err != nil || msg.Info == nil {
			return
		}
		select {
		case ch <- msg.Info:
		default:
		}
	})
	defer c.OnData.Remove(h)

	if err := c.Send(identifyMessage{Type: TypeIdentify}); err != nil {
		c.log.Debugw("identify request not sent", "Error", err)
	}

	timer := time.NewTimer(identifyTimeout)
	defer timer.Stop()
	select {
	case info := <-ch:
		c.mu.Lock()
		if c.state != Closed {
			c.ident = info
		}
		c.mu.Unlock()
		return info
	case <-timer.C:
		c.log.Debug("identify timed out")
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}
