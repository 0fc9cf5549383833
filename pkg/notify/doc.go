// Package notify delivers in-app notifications. The fan-out handler is
// the single write path into the notifications table; it reacts to
// committed mutations and applies per-event recipient rules, never
// notifying an actor about their own action. Unread counts are served
// cache-aside through Redis.
package notify
