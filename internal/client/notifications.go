package client

import "github.com/omochice/matcha-sync/pkg/protocol"

// UnreadCount counts unread notifications in category.
func (c *Client) UnreadCount(category protocol.Category) int {
	var n int
	_ = c.withSession(func() { n = c.agg.UnreadCount(category) })
	return n
}

// UnreadForConversation counts unread message notifications for conv.
func (c *Client) UnreadForConversation(conv protocol.ConversationID) int {
	var n int
	_ = c.withSession(func() { n = c.agg.UnreadForConversation(conv) })
	return n
}

func (c *Client) TotalUnread() int {
	var n int
	_ = c.withSession(func() { n = c.agg.TotalUnread() })
	return n
}

// Notifications returns the stored notifications, newest first.
func (c *Client) Notifications() []protocol.Notification {
	var list []protocol.Notification
	_ = c.withSession(func() { list = c.agg.Notifications() })
	return list
}

func (c *Client) MarkRead(id string) error {
	return c.withSession(func() { c.agg.MarkRead(id) })
}

func (c *Client) MarkCategoryRead(category protocol.Category) error {
	return c.withSession(func() { c.agg.MarkCategoryRead(category) })
}

func (c *Client) MarkAllRead() error {
	return c.withSession(func() { c.agg.MarkAllRead() })
}

func (c *Client) ClearNotification(id string) error {
	return c.withSession(func() { c.agg.ClearNotification(id) })
}

func (c *Client) ClearAll() error {
	return c.withSession(func() { c.agg.ClearAll() })
}
