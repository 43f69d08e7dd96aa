// Package storage is the persistence layer of the bot.
//
// It holds:
//   - scheduled tasks (loaded once at boot, upserted and deleted as they change)
//   - the latest event catalog generation
//   - newsletter member preferences
//   - notifier dedup state (to survive restarts)
//   - an append-only audit log of operator actions
package storage
