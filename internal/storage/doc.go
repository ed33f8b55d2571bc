// Package storage persists the bot's registries: users who talked to the bot,
// admins allowed to broadcast, broadcast channels, and the audit log of
// operator actions.
//
// Drivers: memory, file, sqlite (default) and postgres.
package storage
