// Package rules turns game messages into queued commands.
//
// Each module owns one concern (the daily routine, cooldown-driven periodic
// tasks, user-defined custom rules, cron-scheduled commands) and only talks
// to the outside through the command queue and a storage document. The
// Router feeds incoming messages through the modules in order.
package rules
